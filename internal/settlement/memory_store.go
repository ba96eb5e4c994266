package settlement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type MemoryStore struct {
	mu  sync.Mutex
	ops map[string]Op
	now func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{ops: make(map[string]Op), now: now}
}

func (s *MemoryStore) Create(_ context.Context, op Op) (Op, bool, error) {
	if strings.TrimSpace(op.ID) == "" {
		return Op{}, false, fmt.Errorf("%w: empty id", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ops[op.ID]; ok {
		return existing, false, nil
	}
	now := s.now().UTC()
	op.Status = StatusQueued
	op.Attempts = 0
	op.CreatedAt = now
	op.UpdatedAt = now
	s.ops[op.ID] = op
	return op, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return Op{}, ErrNotFound
	}
	return op, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from []Status, to Status, upd Update) (Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return Op{}, ErrNotFound
	}
	if !containsStatus(from, op.Status) {
		return op, fmt.Errorf("%w: %s is %s, want one of %v", ErrInvalidTransition, id, op.Status, from)
	}
	op.Status = to
	if upd.TxHash != nil {
		op.TxHash = *upd.TxHash
	}
	if upd.Nonce != nil {
		op.Nonce = *upd.Nonce
	}
	if upd.RawTx != nil {
		op.RawTx = append([]byte(nil), upd.RawTx...)
	}
	if upd.LastError != nil {
		op.LastError = *upd.LastError
	}
	if upd.IncAttempts {
		op.Attempts++
	}
	op.UpdatedAt = s.now().UTC()
	s.ops[id] = op
	return op, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Op, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Op
	for _, op := range s.ops {
		if op.Status == status {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
