package threading

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMessageID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips brackets and lowercases", "<ABC@Example.COM>", "abc@example.com"},
		{"trims surrounding whitespace", "  <a@b>\r\n", "a@b"},
		{"accepts bare ids", "a@b", "a@b"},
		{"removes folded whitespace", "<a\r\n @b>", "a@b"},
		{"empty stays empty", "   ", ""},
		{"brackets only is empty", "<>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeMessageID(tt.in))
		})
	}
}

func TestParseMessageIDList(t *testing.T) {
	t.Run("extracts bracketed ids in order", func(t *testing.T) {
		got := ParseMessageIDList("<A@x> <b@x>\r\n\t<C@X>")
		assert.Equal(t, []string{"a@x", "b@x", "c@x"}, got)
	})

	t.Run("ignores text between bracketed ids", func(t *testing.T) {
		got := ParseMessageIDList("foo <a@x> (comment) <b@x>")
		assert.Equal(t, []string{"a@x", "b@x"}, got)
	})

	t.Run("splits bare ids on whitespace and commas", func(t *testing.T) {
		got := ParseMessageIDList("a@x, b@x c@x")
		assert.Equal(t, []string{"a@x", "b@x", "c@x"}, got)
	})

	t.Run("returns nil for empty header", func(t *testing.T) {
		assert.Nil(t, ParseMessageIDList(""))
	})
}
