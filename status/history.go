package status

import "sync"

// History is a newest-first list of daily statuses for one scope. An update
// for the day already at the head replaces it instead of adding a new day.
type History struct {
	mu      sync.Mutex
	limit   int
	entries []Status
}

// NewHistory returns a History keeping at most limit days. A limit of zero
// or less keeps everything.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Add merges s into the history.
func (h *History) Add(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) > 0 && h.entries[0].DayID == s.DayID {
		h.entries[0] = s
		return
	}
	h.entries = append([]Status{s}, h.entries...)
	if h.limit > 0 && len(h.entries) > h.limit {
		h.entries = h.entries[:h.limit]
	}
}

// Reset drops every entry, as happens when the stream reconnects.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

// Statuses returns a copy of the entries, newest first.
func (h *History) Statuses() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Status(nil), h.entries...)
}

// Health returns the health of every entry, newest first.
func (h *History) Health() []Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Health, len(h.entries))
	for i, s := range h.entries {
		out[i] = s.Health()
	}
	return out
}
