package eventlog

import (
	"fmt"
	"sync"
	"time"
)

// Entry is one recorded call-lifecycle event.
type Entry struct {
	At      time.Time
	Message string
}

func (e Entry) String() string {
	return fmt.Sprintf("%s: %s", e.At.Format("15:04:05"), e.Message)
}

// Log is a bounded, concurrency-safe ring of call events. It replaces the
// ad-hoc console logging earlier revisions used for the on-screen debug
// panel: the UI reads Entries, the core only appends.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
}

// New creates a log keeping at most limit entries; older entries are
// discarded.
func New(limit int) *Log {
	if limit <= 0 {
		limit = 32
	}
	return &Log{limit: limit}
}

// Addf appends a formatted entry.
func (l *Log) Addf(format string, args ...interface{}) {
	l.Add(fmt.Sprintf(format, args...))
}

// Add appends an entry, evicting the oldest when full.
func (l *Log) Add(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Entry{At: time.Now(), Message: message})
	if len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
}

// Entries returns a copy of the recorded entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
