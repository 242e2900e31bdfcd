package conversation

import (
	"github.com/jbeghtol/openmoxie/inference"
)

// Entry is one role-tagged line of conversation history.
type Entry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History is a bounded buffer of conversation turns. Consecutive entries
// with the same role merge into one space-joined entry; once the buffer
// exceeds its maximum the oldest entries are dropped.
type History struct {
	entries []Entry
	max     int
}

// NewHistory creates a history buffer holding at most max entries.
func NewHistory(max int) *History {
	if max <= 0 {
		max = defaultMaxHistory
	}
	return &History{max: max}
}

// Append adds a line, merging with the previous entry when roles match.
func (h *History) Append(role, content string) {
	if n := len(h.entries); n > 0 && h.entries[n-1].Role == role {
		h.entries[n-1].Content += " " + content
		return
	}
	h.entries = append(h.entries, Entry{Role: role, Content: content})
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

// Len returns the number of entries.
func (h *History) Len() int {
	return len(h.entries)
}

// Empty reports whether the history has no entries.
func (h *History) Empty() bool {
	return len(h.entries) == 0
}

// Reset drops all entries.
func (h *History) Reset() {
	h.entries = nil
}

// Clone returns an independent copy. Speculative additions go to clones so
// canonical history stays untouched until the authoritative notify arrives.
func (h *History) Clone() *History {
	entries := make([]Entry, len(h.entries))
	copy(entries, h.entries)
	return &History{entries: entries, max: h.max}
}

// Entries returns a copy of the current entries.
func (h *History) Entries() []Entry {
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Messages renders the history as inference messages.
func (h *History) Messages() []inference.Message {
	out := make([]inference.Message, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, inference.Message{Role: e.Role, Content: e.Content})
	}
	return out
}
