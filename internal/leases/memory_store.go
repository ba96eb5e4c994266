package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[string]Lease)}
}

func (s *MemoryStore) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[name]; ok && l.Owner != owner && l.ExpiresAt.After(now) {
		return l, false, nil
	}
	l := Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
	s.leases[name] = l
	return l, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[name]; ok && l.Owner == owner {
		delete(s.leases, name)
	}
	return nil
}
