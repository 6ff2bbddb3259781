package paygate

import (
	"context"
	"sync"
	"time"
)

// ConsumedStore is the set of proof ids that are settled or being settled. The gate also keeps
// used settlement references here under a "ref:" prefix. Reserve must be atomic across every
// instance sharing the store: of any number of concurrent callers with the same id, exactly one
// gets true.
type ConsumedStore interface {
	// Reserve claims id for an in-flight settlement. It returns false if id is already
	// reserved or consumed and not yet expired.
	Reserve(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Commit marks id consumed by the settlement identified by reference.
	Commit(ctx context.Context, id, reference string, ttl time.Duration) error
	// Release drops a reservation that did not settle. Consumed ids are never released.
	Release(ctx context.Context, id string) error
	// Consumed reports whether id has been settled.
	Consumed(ctx context.Context, id string) (bool, error)
}

type consumedEntry struct {
	reference string
	consumed  bool
	expiresAt time.Time
}

// MemoryConsumedStore implements ConsumedStore for a single instance.
type MemoryConsumedStore struct {
	mu      sync.Mutex
	entries map[string]consumedEntry
	clock   func() time.Time
}

func NewMemoryConsumedStore() *MemoryConsumedStore {
	return &MemoryConsumedStore{entries: make(map[string]consumedEntry), clock: time.Now}
}

// WithClock overrides clock for testing.
func (s *MemoryConsumedStore) WithClock(clock func() time.Time) *MemoryConsumedStore {
	s.clock = clock
	return s
}

func (s *MemoryConsumedStore) Reserve(_ context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if e, ok := s.entries[id]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[id] = consumedEntry{expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryConsumedStore) Commit(_ context.Context, id, reference string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = consumedEntry{reference: reference, consumed: true, expiresAt: s.clock().Add(ttl)}
	return nil
}

func (s *MemoryConsumedStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && !e.consumed {
		delete(s.entries, id)
	}
	return nil
}

func (s *MemoryConsumedStore) Consumed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && e.consumed && s.clock().Before(e.expiresAt), nil
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryConsumedStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	n := 0
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked ids, expired or not.
func (s *MemoryConsumedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunSweeper sweeps every interval until ctx is done.
func (s *MemoryConsumedStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
