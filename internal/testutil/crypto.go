package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/mailsync/internal/crypto"
)

// TestKey returns a deterministic base64 key. Different seeds give different keys.
func TestKey(seed byte) string {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// GetTestEncryptor returns the encryptor every package seals test credentials with.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()
	return NewRotatedEncryptor(t, 0)
}

// NewRotatedEncryptor builds an encryptor whose primary key is TestKey(primary)
// and which still opens values sealed under each of the previous seeds.
func NewRotatedEncryptor(t *testing.T, primary byte, previous ...byte) *crypto.Encryptor {
	t.Helper()

	previousKeys := make([]string, 0, len(previous))
	for _, seed := range previous {
		previousKeys = append(previousKeys, TestKey(seed))
	}
	encryptor, err := crypto.NewEncryptor(TestKey(primary), previousKeys...)
	if err != nil {
		t.Fatalf("failed to create test encryptor: %v", err)
	}
	return encryptor
}
