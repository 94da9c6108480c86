// Package locks serializes slot mutations per (person, date) key. Entries
// are ref-counted and removed once released, so the table does not grow
// with the schedule horizon.
package locks

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinroster/internal/models"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table hands out mutexes keyed by string.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// PersonDateKey builds the lock key for one person's schedule on one date.
func PersonDateKey(personID uuid.UUID, date time.Time) string {
	return personID.String() + "/" + models.FormatDate(date)
}

// Lock acquires the mutex for key and returns its release func.
func (t *Table) Lock(key string) func() {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}

// LockPair acquires both keys in ascending order so two exchanges racing on
// the same pair in opposite directions cannot deadlock. Identical keys are
// locked once.
func (t *Table) LockPair(a, b string) func() {
	if a == b {
		return t.Lock(a)
	}

	keys := []string{a, b}
	sort.Strings(keys)

	first := t.Lock(keys[0])
	second := t.Lock(keys[1])

	return func() {
		second()
		first()
	}
}
