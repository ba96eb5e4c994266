package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type MemoryBackend struct {
	mu      sync.RWMutex
	records map[common.Address]Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[common.Address]Record)}
}

func (m *MemoryBackend) Put(_ context.Context, rec Record) error {
	if rec.Address == (common.Address{}) || len(rec.KeyJSON) == 0 {
		return fmt.Errorf("%w: empty record", ErrInvalidConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.Address]; ok {
		return fmt.Errorf("%w: %s", ErrKeyExists, rec.Address)
	}
	rec.KeyJSON = append([]byte(nil), rec.KeyJSON...)
	m.records[rec.Address] = rec
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, addr common.Address) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[addr]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	rec.KeyJSON = append([]byte(nil), rec.KeyJSON...)
	return rec, nil
}
