package dispatch

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/seatstream/errors"
	"github.com/c360/seatstream/natsclient"
	"github.com/c360/seatstream/pkg/cache"
)

// deduper answers "was this content hash seen inside the rolling window".
// The KV-backed variant shares the window across instances and degrades to
// the in-process cache when the bucket is unreachable.
type deduper interface {
	// seen marks the hash and reports whether it was already present.
	seen(ctx context.Context, hash string) bool
}

// memoryDeduper keeps hashes in a TTL cache.
type memoryDeduper struct {
	window cache.Cache[struct{}]
}

func newMemoryDeduper(ctx context.Context, window time.Duration) *memoryDeduper {
	return &memoryDeduper{window: cache.NewTTL[struct{}](ctx, window)}
}

func (d *memoryDeduper) seen(_ context.Context, hash string) bool {
	if _, ok := d.window.Get(hash); ok {
		return true
	}
	_, _ = d.window.Set(hash, struct{}{})
	return false
}

// kvDeduper checks a JetStream KV bucket (created with the dedup window as
// its per-bucket TTL) before the local cache, so restarts and peers share
// the window. Store trouble flips it to local-only until the bucket responds
// again.
type kvDeduper struct {
	kv       *natsclient.KVStore
	local    *memoryDeduper
	logger   *slog.Logger
	degraded atomic.Bool
}

func newKVDeduper(ctx context.Context, kv *natsclient.KVStore, window time.Duration, logger *slog.Logger) *kvDeduper {
	return &kvDeduper{
		kv:     kv,
		local:  newMemoryDeduper(ctx, window),
		logger: logger,
	}
}

func (d *kvDeduper) seen(ctx context.Context, hash string) bool {
	if d.local.seen(ctx, hash) {
		return true
	}
	if d.degraded.Load() {
		return false
	}

	_, err := d.kv.Get(ctx, hash)
	switch {
	case err == nil:
		return true
	case stderrors.Is(err, errors.ErrKeyNotFound):
		if _, putErr := d.kv.Put(ctx, hash, nil); putErr != nil {
			d.markDegraded(putErr)
		}
		return false
	default:
		d.markDegraded(err)
		return false
	}
}

func (d *kvDeduper) markDegraded(err error) {
	if d.degraded.CompareAndSwap(false, true) {
		d.logger.Warn("dedup store unreachable, deduplication is memory-only", "error", err)
	}
}

// probe retries the bucket so a recovered store resumes shared dedup.
func (d *kvDeduper) probe(ctx context.Context) {
	if !d.degraded.Load() {
		return
	}
	_, err := d.kv.Get(ctx, "probe")
	if err == nil || stderrors.Is(err, errors.ErrKeyNotFound) {
		if d.degraded.CompareAndSwap(true, false) {
			d.logger.Info("dedup store reachable again")
		}
	}
}
