// Package transcript keeps the bilingual log of one interpreting session.
package transcript

import (
	"slices"
	"sync"
	"time"
)

// Entry is one interpreted utterance. English and Korean always travel
// together, so the two displayed columns can never drift apart.
type Entry struct {
	Index    int       `json:"index"`
	Original string    `json:"original"`
	English  string    `json:"english"`
	Korean   string    `json:"korean"`
	At       time.Time `json:"at"`
}

// Log is an append-only list of entries that can be cleared.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// Append adds one utterance and returns the stored entry.
func (l *Log) Append(original, english, korean string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := Entry{
		Index:    len(l.entries),
		Original: original,
		English:  english,
		Korean:   korean,
		At:       time.Now(),
	}
	l.entries = append(l.entries, e)
	return e
}

// Entries returns a copy of all entries in order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

// Columns returns the English and Korean logs as parallel slices.
func (l *Log) Columns() (english, korean []string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	english = make([]string, len(l.entries))
	korean = make([]string, len(l.entries))
	for i, e := range l.entries {
		english[i] = e.English
		korean[i] = e.Korean
	}
	return english, korean
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear empties both columns.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
