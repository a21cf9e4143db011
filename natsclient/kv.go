package natsclient

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/seatstream/errors"
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operation behavior
type KVOptions struct {
	Timeout time.Duration // Per-operation timeout
}

// DefaultKVOptions returns sensible defaults for control-plane state buckets
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout: 2 * time.Second,
	}
}

// KVStore provides typed KV operations over a JetStream bucket. The governor
// keeps its authoritative sliding-window state here; losing the bucket
// degrades callers to memory-only operation, it never fails them.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
}

// NewKVStore creates a new KV store wrapper for the given bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{bucket: bucket, options: options}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision. Returns ErrKeyNotFound for absent
// keys and ErrStoreUnavailable for transport failures so callers can degrade.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(errors.ErrStoreUnavailable, "KVStore", "Get", "get "+key)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put creates or updates a key (last writer wins).
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(errors.ErrStoreUnavailable, "KVStore", "Put", "put "+key)
	}
	return rev, nil
}

// Update writes only if the revision matches (CAS).
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVStore", "Update", "cas update "+key)
	}
	return rev, nil
}

// Delete removes a key. Missing keys are not an error.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil && err != jetstream.ErrKeyNotFound {
		return errors.WrapTransient(errors.ErrStoreUnavailable, "KVStore", "Delete", "delete "+key)
	}
	return nil
}
