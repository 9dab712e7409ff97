package cache

import (
	"context"
	"time"

	"github.com/ddasdkimo/keyvalueserver/store"
	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

const defaultMemoryLimit = "512mb"

// MemoryBackend keeps entries in this process using the same LRU engine as
// the cache store. Used for tests and single-process deployments.
type MemoryBackend struct {
	store *store.Store
}

func NewMemoryBackend(config *types.CacheConfig) (types.CacheBackend, error) {
	limit := defaultMemoryLimit
	if config.MaxMemory != "" {
		limit = config.MaxMemory
	}

	maxMemory, err := utils.ParseSize(limit)
	if err != nil {
		return nil, types.WrapError(err, "invalid cache maxmemory")
	}

	return &MemoryBackend{store: store.New(maxMemory)}, nil
}

func NewMemoryBackendWithStore(s *store.Store) *MemoryBackend {
	return &MemoryBackend{store: s}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := m.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var opts store.SetOptions
	if ttl > 0 {
		opts.ExpireAt = time.Now().Add(ttl)
	}

	_, err := m.store.Set(key, append([]byte(nil), value...), opts)
	return err
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.store.Del(keys...)
	return nil
}

func (m *MemoryBackend) DeletePrefix(_ context.Context, prefix string) error {
	m.store.Del(m.store.Keys(escapeGlob(prefix) + "*")...)
	return nil
}

func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

func (m *MemoryBackend) String() string {
	return "memory"
}
