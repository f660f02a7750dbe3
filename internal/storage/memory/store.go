package memory

import (
	"sort"
	"strings"
	"sync"

	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
)

// MemoryLedgerStore is an in-memory implementation of interfaces.LedgerStore.
// It is not durable; it backs tests and throwaway standalone runs.
type MemoryLedgerStore struct {
	mu     sync.RWMutex      // protects data and closed
	data   map[string]string // key -> value
	closed bool
}

// NewMemoryLedgerStore creates and returns a new empty MemoryLedgerStore
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		data: make(map[string]string),
	}
}

func (m *MemoryLedgerStore) Put(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.ErrStoreClosed
	}
	m.data[key] = value
	return nil
}

func (m *MemoryLedgerStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, models.ErrStoreClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryLedgerStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.ErrStoreClosed
	}
	delete(m.data, key)
	return nil
}

// ScanPrefix returns a copy of the matching pairs so callers can't modify
// internal state.
func (m *MemoryLedgerStore) ScanPrefix(prefix string) ([]interfaces.KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, models.ErrStoreClosed
	}

	var result []interfaces.KV
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			result = append(result, interfaces.KV{Key: k, Value: v})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Batch stages writes in an overlay and publishes them only if fn succeeds.
// The write lock is held for the whole call, so readers never see a half
// applied batch.
func (m *MemoryLedgerStore) Batch(fn func(rw interfaces.KVReadWriter) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.ErrStoreClosed
	}

	b := &batch{base: m.data, writes: make(map[string]*string)}
	if err := fn(b); err != nil {
		return err
	}
	for k, v := range b.writes {
		if v == nil {
			delete(m.data, k)
		} else {
			m.data[k] = *v
		}
	}
	return nil
}

func (m *MemoryLedgerStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len reports the number of stored keys.
func (m *MemoryLedgerStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

type batch struct {
	base   map[string]string
	writes map[string]*string // nil value marks a delete
}

func (b *batch) Get(key string) (string, bool, error) {
	if v, ok := b.writes[key]; ok {
		if v == nil {
			return "", false, nil
		}
		return *v, true, nil
	}
	v, ok := b.base[key]
	return v, ok, nil
}

func (b *batch) Put(key, value string) error {
	b.writes[key] = &value
	return nil
}

func (b *batch) Delete(key string) error {
	b.writes[key] = nil
	return nil
}

// Compile-time check: ensure MemoryLedgerStore implements LedgerStore interface
var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)
