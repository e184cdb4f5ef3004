package nonce

import (
	"context"
	"sync"
)

// lockEntry is a context aware mutex with a count of the callers holding or
// waiting on it, so idle entries can be dropped from the table
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// lockTable hands out one mutual-exclusion lock per key
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// lock blocks until the lock for key is held or ctx is done. The returned
// function releases it.
func (t *lockTable) lock(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		t.unref(key, e)
		return nil, ctx.Err()
	}

	return func() {
		<-e.sem
		t.unref(key, e)
	}, nil
}

func (t *lockTable) unref(key string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
