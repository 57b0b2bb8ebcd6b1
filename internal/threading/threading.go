// Package threading rebuilds conversation trees from message headers.
package threading

import (
	"sort"

	"github.com/vdavid/mailsync/internal/models"
)

type entry struct {
	msg        models.ThreadMessage
	input      int
	rank       int
	id         string
	references []string
	inReplyTo  string
}

// OrderThreadMessages arranges messages into a forest by their References and
// In-Reply-To headers and returns it flattened root first, depth first.
//
// Every input message appears exactly once in the output. Parent links never
// form a cycle, whatever the headers claim. When several local rows share a
// Message-ID, a reply attaches to the latest copy received no later than itself.
func OrderThreadMessages(messages []models.ThreadMessage) []models.ThreadNode {
	n := len(messages)
	if n == 0 {
		return []models.ThreadNode{}
	}

	entries := make([]*entry, n)
	for i, m := range messages {
		refs := make([]string, 0, len(m.References))
		for _, r := range m.References {
			refs = append(refs, ParseMessageIDList(r)...)
		}
		entries[i] = &entry{
			msg:        m,
			input:      i,
			id:         NormalizeMessageID(m.MessageID),
			references: refs,
			inReplyTo:  firstID(m.InReplyTo),
		}
	}

	chrono := make([]*entry, n)
	copy(chrono, entries)
	sort.SliceStable(chrono, func(a, b int) bool {
		return chrono[a].msg.ReceivedAt.Before(chrono[b].msg.ReceivedAt)
	})
	for rank, e := range chrono {
		e.rank = rank
	}

	byID := make(map[string][]*entry, n)
	for _, e := range chrono {
		if e.id != "" {
			byID[e.id] = append(byID[e.id], e)
		}
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = -1
	}

	for _, e := range chrono {
		for _, token := range candidateTokens(e) {
			if token == e.id {
				// A message naming itself is not its own ancestor.
				continue
			}
			p := bestCandidate(byID[token], e)
			if p == nil {
				continue
			}
			if !createsCycle(parent, p.input, e.input) {
				parent[e.input] = p.input
			}
			break
		}
	}

	children := make([][]int, n)
	var roots []int
	for i := 0; i < n; i++ {
		if parent[i] < 0 {
			roots = append(roots, i)
		} else {
			children[parent[i]] = append(children[parent[i]], i)
		}
	}

	byRank := func(ids []int) {
		sort.Slice(ids, func(a, b int) bool {
			return entries[ids[a]].rank < entries[ids[b]].rank
		})
	}
	byRank(roots)
	for i := range children {
		byRank(children[i])
	}

	out := make([]models.ThreadNode, 0, n)
	visited := make([]bool, n)
	walk := func(root int) {
		type frame struct {
			node  int
			depth int
		}
		stack := []frame{{node: root, depth: 0}}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[top.node] {
				continue
			}
			visited[top.node] = true

			node := models.ThreadNode{Message: entries[top.node].msg, Depth: top.depth}
			if top.depth > 0 && parent[top.node] >= 0 {
				parentID := entries[parent[top.node]].msg.ID
				node.ParentID = &parentID
			}
			out = append(out, node)

			kids := children[top.node]
			for k := len(kids) - 1; k >= 0; k-- {
				stack = append(stack, frame{node: kids[k], depth: top.depth + 1})
			}
		}
	}

	for _, r := range roots {
		walk(r)
	}

	// Anything not reached hangs off a broken chain; surface it as its own root.
	for _, e := range chrono {
		if !visited[e.input] {
			walk(e.input)
		}
	}

	return out
}

// candidateTokens lists the ids to try as parent: References newest first, then In-Reply-To.
func candidateTokens(e *entry) []string {
	tokens := make([]string, 0, len(e.references)+1)
	for i := len(e.references) - 1; i >= 0; i-- {
		tokens = append(tokens, e.references[i])
	}
	if e.inReplyTo != "" {
		tokens = append(tokens, e.inReplyTo)
	}
	return tokens
}

// bestCandidate picks among rows sharing an id: the latest received no later than
// the child, else the latest overall. rows are in chronological order.
func bestCandidate(rows []*entry, child *entry) *entry {
	var notLater, latest *entry
	for _, r := range rows {
		if r == child {
			continue
		}
		latest = r
		if !r.msg.ReceivedAt.After(child.msg.ReceivedAt) {
			notLater = r
		}
	}
	if notLater != nil {
		return notLater
	}
	return latest
}

// createsCycle reports whether making proposed the parent of child would put child
// among its own ancestors.
func createsCycle(parent []int, proposed, child int) bool {
	seen := make(map[int]struct{})
	for cur := proposed; cur >= 0; cur = parent[cur] {
		if cur == child {
			return true
		}
		if _, ok := seen[cur]; ok {
			return true
		}
		seen[cur] = struct{}{}
	}
	return false
}

func firstID(header string) string {
	ids := ParseMessageIDList(header)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
