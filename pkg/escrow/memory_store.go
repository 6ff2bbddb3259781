package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory.
// Thread-safe via RWMutex; every Transition is evaluated and applied under the write lock.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	tasks   map[int64]*Task
	payouts map[string]*Payout
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[int64]*Task),
		payouts: make(map[string]*Payout),
	}
}

func (s *MemoryStore) Create(_ context.Context, t Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t.ID = s.nextID
	val := t
	s.tasks[t.ID] = &val
	return t, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return *t, nil
}

func (s *MemoryStore) Transition(_ context.Context, id int64, guard Guard, change Change, payout *Payout) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if !guard.holds(*t) {
		return Task{}, ErrStale
	}
	if payout != nil {
		if _, exists := s.payouts[payout.Key]; exists {
			return Task{}, fmt.Errorf("payout %s already recorded: %w", payout.Key, ErrStale)
		}
	}

	change.apply(t)
	if payout != nil {
		p := *payout
		p.Status = PayoutPending
		p.CreatedAt, p.UpdatedAt = change.At, change.At
		s.payouts[p.Key] = &p
		s.order = append(s.order, p.Key)
	}
	return *t, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, limit), nil
}

func (s *MemoryStore) UpdatedSince(_ context.Context, cursor Cursor, limit int) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if cursor.Before(*t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return truncate(out, limit), nil
}

func (s *MemoryStore) PendingPayouts(_ context.Context, limit int) ([]Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Payout
	for _, key := range s.order {
		if p := s.payouts[key]; p.Status == PayoutPending {
			out = append(out, clonePayout(*p))
		}
	}
	return truncate(out, limit), nil
}

func (s *MemoryStore) GetPayout(_ context.Context, key string) (Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payouts[key]
	if !ok {
		return Payout{}, fmt.Errorf("payout %s: %w", key, ErrNotFound)
	}
	return clonePayout(*p), nil
}

func (s *MemoryStore) CompletePayout(_ context.Context, key, reference string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[key]
	if !ok {
		return fmt.Errorf("payout %s: %w", key, ErrNotFound)
	}
	if p.Status == PayoutDone {
		return nil
	}
	p.Status = PayoutDone
	p.Reference = reference
	p.Attempts++
	p.LastError = ""
	p.UpdatedAt = at
	return nil
}

func (s *MemoryStore) FailPayout(_ context.Context, key, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[key]
	if !ok {
		return fmt.Errorf("payout %s: %w", key, ErrNotFound)
	}
	if p.Status == PayoutDone {
		return nil
	}
	p.Attempts++
	p.LastError = reason
	p.UpdatedAt = at
	return nil
}

func (g Guard) holds(t Task) bool {
	if len(g.Statuses) > 0 {
		match := false
		for _, st := range g.Statuses {
			if t.Status == st {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if g.Unclaimed && t.Worker != "" {
		return false
	}
	if g.Worker != "" && t.Worker != g.Worker {
		return false
	}
	if g.Requester != "" && t.Requester != g.Requester {
		return false
	}
	if g.Unpaid && t.Paid {
		return false
	}
	if !g.DeadlineBefore.IsZero() && !t.Deadline.Before(g.DeadlineBefore) {
		return false
	}
	return true
}

func (c Change) apply(t *Task) {
	if c.Status != "" {
		t.Status = c.Status
	}
	if c.Worker != "" {
		t.Worker = c.Worker
	}
	if c.ProofHash != "" {
		t.ProofHash = c.ProofHash
	}
	if c.MarkPaid {
		t.Paid = true
	}
	t.UpdatedAt = c.At
}

func clonePayout(p Payout) Payout {
	p.Legs = append([]Leg(nil), p.Legs...)
	return p
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
