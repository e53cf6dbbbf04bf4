package events

import (
	"sync"
	"time"
)

const DefaultHistory = 1000

// Recorder keeps the most recent events in a ring buffer.
type Recorder struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
	skip  map[Kind]bool
}

// NewRecorder creates a recorder holding up to size events, kinds in
// skip are not recorded.
func NewRecorder(size int, skip ...Kind) *Recorder {
	if size <= 0 {
		size = DefaultHistory
	}
	r := &Recorder{
		buf:  make([]Event, size),
		skip: make(map[Kind]bool, len(skip)),
	}
	for _, k := range skip {
		r.skip[k] = true
	}
	return r
}

func (r *Recorder) Emit(e *Event) {
	if r.skip[e.Kind] {
		return
	}
	ev := *e
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.mu.Lock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Recent returns up to limit events, newest first, optionally only
// those of the given kinds.
func (r *Recorder) Recent(limit int, kinds ...Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= r.count && len(out) < limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		ev := r.buf[idx]
		if len(want) > 0 && !want[ev.Kind] {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
