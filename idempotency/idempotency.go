// Package idempotency guards against doing the same work twice: request keys
// map a client's retried create call onto the record it already produced, and
// an in-flight set keeps a record from being approved by two callers at once.
package idempotency

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	// ErrDuplicateKey is returned when the key was already reserved
	ErrDuplicateKey = fmt.Errorf("duplicate idempotency key: request already handled")

	// ErrKeyNotFound is returned when looking up a non-existent key
	ErrKeyNotFound = fmt.Errorf("idempotency key not found")

	// ErrInFlight is returned when the key is held by another caller
	ErrInFlight = fmt.Errorf("operation already in progress")
)

// Status of the request behind a key
type Status int

const (
	StatusPending Status = iota // the record is being created
	StatusCreated               // the record exists, RecordID is set
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCreated:
		return "created"
	default:
		return "unknown"
	}
}

// Entry links an idempotency key to the transaction record it created
type Entry struct {
	Key       string
	Status    Status
	RecordID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store keeps idempotency keys
type Store interface {
	// Get retrieves an existing entry by key
	Get(key string) (*Entry, error)

	// Reserve creates a pending entry. When the key exists the existing entry
	// is returned along with ErrDuplicateKey.
	Reserve(key string) (*Entry, error)

	// Complete marks the entry as having produced recordID
	Complete(key, recordID string) error

	// Delete removes an entry so the key can be reserved again
	Delete(key string) error
}

// InMemoryStore is a Store whose entries expire after a TTL
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	// ttl of entries, 0 means no expiration
	ttl   time.Duration
	clock clock.Clock

	cleanupTicker ticker.Ticker
	stopChan      chan struct{}
	stopped       bool
}

// NewInMemoryStore creates a store. With a non-zero ttl expired entries are
// swept every ttl until Stop is called.
func NewInMemoryStore(ttl time.Duration, clk clock.Clock) *InMemoryStore {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	store := &InMemoryStore{
		entries:  make(map[string]*Entry),
		ttl:      ttl,
		clock:    clk,
		stopChan: make(chan struct{}),
	}
	if ttl > 0 {
		store.cleanupTicker = ticker.New(ttl)
		store.cleanupTicker.Resume()
		go store.cleanupLoop()
	}
	return store
}

// Stop stops the cleanup goroutine
func (s *InMemoryStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
	}
}

func (s *InMemoryStore) expired(e *Entry) bool {
	return s.ttl > 0 && s.clock.Now().Sub(e.CreatedAt) > s.ttl
}

func (s *InMemoryStore) Get(key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || s.expired(entry) {
		return nil, ErrKeyNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *InMemoryStore) Reserve(key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok && !s.expired(existing) {
		cp := *existing
		return &cp, ErrDuplicateKey
	}

	now := s.clock.Now()
	entry := &Entry{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.entries[key] = entry
	cp := *entry
	return &cp, nil
}

func (s *InMemoryStore) Complete(key, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return ErrKeyNotFound
	}
	entry.Status = StatusCreated
	entry.RecordID = recordID
	entry.UpdatedAt = s.clock.Now()
	return nil
}

func (s *InMemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *InMemoryStore) cleanupLoop() {
	defer s.cleanupTicker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-s.cleanupTicker.Ticks():
			s.cleanup()
		}
	}
}

func (s *InMemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if s.expired(entry) {
			delete(s.entries, key)
		}
	}
}

// Size returns the number of entries, expired ones included until swept
func (s *InMemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// InFlight tracks keys that are currently being worked on
type InFlight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{keys: make(map[string]struct{})}
}

// TryAcquire marks key as in flight. It fails with ErrInFlight instead of
// waiting when the key is already held. The returned function releases it.
func (f *InFlight) TryAcquire(key string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return nil, errors.Join(ErrInFlight, fmt.Errorf("key %s", key))
	}
	f.keys[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.keys, key)
			f.mu.Unlock()
		})
	}, nil
}

// Busy reports whether key is in flight
func (f *InFlight) Busy(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, busy := f.keys[key]
	return busy
}
