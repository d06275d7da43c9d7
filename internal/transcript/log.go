package transcript

import (
	"strings"
	"sync"
)

// Log is the append-only, ordered record of finalised turns.
//
// All methods are safe for concurrent use.
type Log struct {
	mu       sync.RWMutex
	turns    []TurnRecord
	onAppend func([]TurnRecord)
}

// NewLog returns an empty Log.
func NewLog() *Log {
	return &Log{}
}

// OnAppend registers fn to be called with every batch passed to Append. It
// runs on the appending goroutine, after the records are visible to readers.
func (l *Log) OnAppend(fn func([]TurnRecord)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = fn
}

// Append adds records to the end of the log.
func (l *Log) Append(records ...TurnRecord) {
	if len(records) == 0 {
		return
	}
	l.mu.Lock()
	l.turns = append(l.turns, records...)
	fn := l.onAppend
	l.mu.Unlock()

	if fn != nil {
		fn(append([]TurnRecord(nil), records...))
	}
}

// Turns returns a copy of every record in order.
func (l *Log) Turns() []TurnRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]TurnRecord(nil), l.turns...)
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Text joins the text of every record with newlines.
func (l *Log) Text() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	parts := make([]string, len(l.turns))
	for i, t := range l.turns {
		parts[i] = t.Text
	}
	return strings.Join(parts, "\n")
}

// Clear removes every record.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = nil
}
