package channel

import (
	"sync"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

// TraceEntry is one wire event kept in the bounded debug trace.
type TraceEntry struct {
	Dir   string `json:"dir"` // "in" or "out"
	Event string `json:"event"`
	TS    int64  `json:"ts"`
}

// traceLog keeps the most recent wire events in a fixed-size circle,
// overwriting the oldest once full. Entries are stamped on add.
type traceLog struct {
	mu      sync.Mutex
	entries []TraceEntry
	head    int
	count   int
}

func newTraceLog(capacity int) *traceLog {
	return &traceLog{entries: make([]TraceEntry, capacity)}
}

func (t *traceLog) add(dir, event string) {
	t.mu.Lock()
	idx := (t.head + t.count) % len(t.entries)
	t.entries[idx] = TraceEntry{Dir: dir, Event: event, TS: wire.NowMillis()}
	if t.count == len(t.entries) {
		t.head = (t.head + 1) % len(t.entries)
	} else {
		t.count++
	}
	t.mu.Unlock()
}

// snapshot returns the retained entries, oldest first.
func (t *traceLog) snapshot() []TraceEntry {
	t.mu.Lock()
	out := make([]TraceEntry, t.count)
	for i := 0; i < t.count; i++ {
		out[i] = t.entries[(t.head+i)%len(t.entries)]
	}
	t.mu.Unlock()
	return out
}
