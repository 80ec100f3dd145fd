package collab

import (
	"hash/fnv"
	"sync"
)

// Highlight palette for remote cursors and selections. Color choice is a
// pure function of the user id so every participant renders the same user
// the same way.
var palette = []string{
	"#30bced",
	"#6eeb83",
	"#ffbc42",
	"#ecd444",
	"#ee6352",
	"#9ac2c9",
	"#8acb88",
	"#1be7ff",
}

// ColorFor returns the deterministic highlight color for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Style is one generated highlight rule.
type Style struct {
	UserID string
	Name   string
	Color  string
}

// StyleRegistry accumulates highlight rules as participants appear. Rules
// are keyed by user identity, so repeated joins by the same user reuse the
// existing rule instead of piling up duplicates; rules are never evicted
// during a session's lifetime.
type StyleRegistry struct {
	mu    sync.Mutex
	rules map[string]Style
	order []string
}

func NewStyleRegistry() *StyleRegistry {
	return &StyleRegistry{rules: make(map[string]Style)}
}

// Ensure returns the rule for a user, creating it on first sight.
func (r *StyleRegistry) Ensure(userID, name string) Style {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rule, ok := r.rules[userID]; ok {
		return rule
	}
	rule := Style{UserID: userID, Name: name, Color: ColorFor(userID)}
	r.rules[userID] = rule
	r.order = append(r.order, userID)
	return rule
}

// Rules returns all rules in order of first appearance.
func (r *StyleRegistry) Rules() []Style {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Style, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rules[id])
	}
	return out
}

// Len returns the number of distinct styled identities.
func (r *StyleRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
