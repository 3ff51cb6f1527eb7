package slicecache

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"

	serrors "github.com/limnetic/sonde/internal/errors"
)

// KV is the persistent key/value collaborator backing the slice cache.
// No transactional or multi-key guarantees are required; any storage error
// is treated by the cache as a full miss.
type KV interface {
	// Get returns the value for key, or found=false when absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the store.
	Close() error
}

// =============================================================================
// BadgerKV
// =============================================================================

// BadgerKV is a durable KV store backed by BadgerDB.
type BadgerKV struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger store under dir.
func OpenBadger(dir string) (*BadgerKV, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "slices"))
	opts.Logger = nil // badger's own logging is too chatty for a cache

	db, err := badger.Open(opts)
	if err != nil {
		return nil, serrors.Wrap(serrors.ErrCacheStorage, err.Error())
	}

	return &BadgerKV{db: db}, nil
}

// Get implements KV.
func (b *BadgerKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, serrors.Wrap(serrors.ErrCacheStorage, err.Error())
	}

	return value, true, nil
}

// Put implements KV.
func (b *BadgerKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return serrors.Wrap(serrors.ErrCacheStorage, err.Error())
	}
	return nil
}

// Delete implements KV.
func (b *BadgerKV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		return serrors.Wrap(serrors.ErrCacheStorage, err.Error())
	}
	return nil
}

// Keys implements KV.
func (b *BadgerKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, serrors.Wrap(serrors.ErrCacheStorage, err.Error())
	}

	return keys, nil
}

// Close implements KV.
func (b *BadgerKV) Close() error {
	return b.db.Close()
}

// =============================================================================
// MemoryKV
// =============================================================================

// MemoryKV is an in-memory KV store. It serves deployments without a
// durable disk, and tests.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get implements KV.
func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Put implements KV.
func (m *MemoryKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

// Delete implements KV.
func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Keys implements KV.
func (m *MemoryKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close implements KV.
func (m *MemoryKV) Close() error {
	return nil
}

// Len returns the number of stored keys (test helper).
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
