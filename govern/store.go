package govern

import (
	"context"
	"sync"
	"time"

	"github.com/c360/seatstream/errors"
	"github.com/c360/seatstream/natsclient"
)

// Store persists sliding-window hit logs so counts survive restarts and are
// shared across instances. The governor treats every Store error as a signal
// to degrade to memory-only operation, never as a reason to reject traffic.
type Store interface {
	// Load returns the persisted hit log for key, or ErrKeyNotFound.
	Load(ctx context.Context, key string) ([]time.Time, error)

	// Save replaces the persisted hit log for key.
	Save(ctx context.Context, key string, hits []time.Time) error

	// Remove deletes the persisted hit log for key. Missing keys are ignored.
	Remove(ctx context.Context, key string) error
}

// KVWindowStore persists window state in a JetStream KV bucket.
type KVWindowStore struct {
	kv *natsclient.KVStore
}

// NewKVWindowStore wraps a KV bucket as a window store.
func NewKVWindowStore(kv *natsclient.KVStore) *KVWindowStore {
	return &KVWindowStore{kv: kv}
}

func (s *KVWindowStore) Load(ctx context.Context, key string) ([]time.Time, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	hits, err := decodeHits(entry.Value)
	if err != nil {
		return nil, errors.WrapInvalid(err, "KVWindowStore", "Load", "decode window "+key)
	}
	return hits, nil
}

func (s *KVWindowStore) Save(ctx context.Context, key string, hits []time.Time) error {
	data, err := encodeHits(hits)
	if err != nil {
		return errors.WrapInvalid(err, "KVWindowStore", "Save", "encode window "+key)
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return err
	}
	return nil
}

func (s *KVWindowStore) Remove(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// MemoryWindowStore is an in-process Store for tests and single-instance
// deployments without JetStream.
type MemoryWindowStore struct {
	mu   sync.RWMutex
	data map[string][]time.Time
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{data: make(map[string][]time.Time)}
}

func (s *MemoryWindowStore) Load(_ context.Context, key string) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits, ok := s.data[key]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	out := make([]time.Time, len(hits))
	copy(out, hits)
	return out, nil
}

func (s *MemoryWindowStore) Save(_ context.Context, key string, hits []time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]time.Time, len(hits))
	copy(stored, hits)
	s.data[key] = stored
	return nil
}

func (s *MemoryWindowStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}
