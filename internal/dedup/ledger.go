// Package dedup records recently processed event identifiers so each
// external event has at most one application-level effect.
package dedup

import (
	"container/list"
	"sync"

	"sessionchat/internal/constants"
)

// Ledger is a fixed-capacity set of seen keys. Inserting past capacity
// evicts the oldest inserted key; lookups do not refresh an entry.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// New returns a ledger holding at most capacity keys. A non-positive
// capacity uses the default.
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = constants.DefaultLedgerCapacity
	}
	return &Ledger{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Key builds the ledger key of an external id within a category.
func Key(category, id string) string {
	return category + "\x00" + id
}

// AddIfNew records key and returns true, or returns false if key is
// already present.
func (l *Ledger) AddIfNew(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.index[key]; seen {
		return false
	}
	l.index[key] = l.order.PushBack(key)

	for l.order.Len() > l.capacity {
		oldest := l.order.Front()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
	}
	return true
}

// Contains reports whether key is present without recording it.
func (l *Ledger) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[key]
	return ok
}

// Len returns the number of keys held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
