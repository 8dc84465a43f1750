package storage

import (
	"context"
	"sync"

	"github.com/vultisig/sssrecovery/internal/types"
)

// SecretStore is a key/value store for small secrets. Get returns
// types.ErrNotFound for missing keys; Delete of a missing key is not an
// error.
type SecretStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// CloudStorage is an optional off-device replica backend.
type CloudStorage interface {
	Name() string
	GetItem(ctx context.Context, key string) ([]byte, error)
	SetItem(ctx context.Context, key string, value []byte) error
	RemoveItem(ctx context.Context, key string) error
}

// MemoryStore keeps everything in process memory. It satisfies both
// SecretStore and CloudStorage.
type MemoryStore struct {
	mu    sync.RWMutex
	name  string
	items map[string][]byte
}

func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:  name,
		items: make(map[string][]byte),
	}
}

func (m *MemoryStore) Name() string {
	return m.name
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items[key]; ok {
		for i := range v {
			v[i] = 0
		}
		delete(m.items, key)
	}
	return nil
}

func (m *MemoryStore) GetItem(ctx context.Context, key string) ([]byte, error) {
	return m.Get(ctx, key)
}

func (m *MemoryStore) SetItem(ctx context.Context, key string, value []byte) error {
	return m.Set(ctx, key, value)
}

func (m *MemoryStore) RemoveItem(ctx context.Context, key string) error {
	return m.Delete(ctx, key)
}

// Keys lists the stored keys.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys
}
