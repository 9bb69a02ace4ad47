// Package locks provides a table of named mutexes. Each key gets a lazily
// created lock; entries are reference counted and reclaimed once no goroutine
// holds or waits on them, so the table stays proportional to active keys.
package locks

import (
	"context"
	"sync"
)

// Table maps keys to mutexes. The zero value is not usable; call NewTable.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ch   chan struct{} // cap 1; holding the token means holding the lock
	refs int
}

// NewTable returns an empty lock table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held or ctx is done. On success
// it returns a release function, which must be called exactly once.
func (t *Table) Acquire(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				t.unref(key, e)
			})
		}, nil
	case <-ctx.Done():
		t.unref(key, e)
		return nil, ctx.Err()
	}
}

// Len reports the number of live entries, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) unref(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	// Only delete the entry still registered under key; a racing Acquire
	// may have replaced it after a previous reclaim.
	if e.refs == 0 && t.entries[key] == e {
		delete(t.entries, key)
	}
}
