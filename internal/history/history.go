// Package history records completed task runs: a bounded in-memory ring for
// quick inspection plus optional sqlite persistence. Queue state is never
// persisted; only completed-run records are.
package history

import (
	"sync"
	"time"
)

// Outcome classifies a completed run.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeFailed     Outcome = "failed"
	OutcomeAborted    Outcome = "aborted"
	OutcomeDeadlocked Outcome = "deadlocked"
)

// Record is one completed task run.
type Record struct {
	Lane     string        `json:"lane"`
	Task     string        `json:"task"`
	Priority int           `json:"priority"`
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Ring is a fixed-capacity record buffer; once full, new records overwrite
// the oldest.
type Ring struct {
	mu    sync.Mutex
	buf   []Record
	next  int
	wrap  bool
	total uint64
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 200
	}
	return &Ring{buf: make([]Record, capacity)}
}

func (r *Ring) Add(rec Record) {
	r.mu.Lock()
	r.buf[r.next] = rec
	r.next++
	r.total++
	if r.next == len(r.buf) {
		r.next = 0
		r.wrap = true
	}
	r.mu.Unlock()
}

// Recent returns up to n records, newest first.
func (r *Ring) Recent(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.wrap {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Total reports how many records were ever added, including overwritten ones.
func (r *Ring) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
