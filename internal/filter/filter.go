// Package filter implements the infohash membership oracle: is_new(h)
// consults an in-memory pending set, an optional external cache, and the
// durable store, in that order, so the fetcher pool never chases an
// infohash it has already persisted or already queued.
package filter

import (
	"context"
	"encoding/base32"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kadcrawl/kadcrawl/internal/bterr"
	"github.com/kadcrawl/kadcrawl/internal/dhtid"
)

// DurableStore is the subset of internal/persistence.Store the filter
// depends on.
type DurableStore interface {
	HasTorrent(ctx context.Context, h dhtid.ID) (bool, error)
}

// Filter is the infohash membership oracle. It is safe for concurrent use.
type Filter struct {
	mu      sync.Mutex
	pending map[dhtid.ID]struct{}

	store DurableStore
	cache *redis.Client // nil when no external cache is configured
}

// New builds a Filter backed by store and, optionally, an external Redis
// cache. Pass nil cache when --memcache was not supplied.
func New(store DurableStore, cache *redis.Client) *Filter {
	return &Filter{
		pending: make(map[dhtid.ID]struct{}),
		store:   store,
		cache:   cache,
	}
}

// IsNew reports whether h has not yet been seen in the current pending
// batch, the durable store, or the external cache. On backend failure it
// returns bterr.ErrBackendUnavailable; callers should treat that as "assume
// new" rather than risk silently dropping data.
func (f *Filter) IsNew(ctx context.Context, h dhtid.ID) (bool, error) {
	f.mu.Lock()
	_, pending := f.pending[h]
	f.mu.Unlock()
	if pending {
		return false, nil
	}

	if f.cache != nil {
		key := cacheKey(h)
		exists, err := f.cache.Exists(ctx, key).Result()
		if err != nil {
			return false, fmt.Errorf("filter: cache lookup: %w: %v", bterr.ErrBackendUnavailable, err)
		}
		if exists > 0 {
			return false, nil
		}
	}

	has, err := f.store.HasTorrent(ctx, h)
	if err != nil {
		return false, fmt.Errorf("filter: store lookup: %w: %v", bterr.ErrBackendUnavailable, err)
	}
	return !has, nil
}

// MarkPending records h as claimed by an in-flight fetch job, so concurrent
// announce_peer traffic for the same infohash doesn't spawn duplicate jobs
// before the batch commits to the durable store.
func (f *Filter) MarkPending(h dhtid.ID) {
	f.mu.Lock()
	f.pending[h] = struct{}{}
	f.mu.Unlock()
}

// ClearPending releases a previously marked infohash, called once its
// MetadataArtifact has been handed to the store (success) or its FetchJob
// has given up (failure, so it can be retried later). The external cache,
// when configured, is only told about h when the store knows it.
func (f *Filter) ClearPending(h dhtid.ID) {
	f.mu.Lock()
	delete(f.pending, h)
	f.mu.Unlock()

	if f.cache != nil {
		ctx := context.Background()
		if has, err := f.store.HasTorrent(ctx, h); err == nil && has {
			f.cache.Set(ctx, cacheKey(h), "1", 0)
		}
	}
}

func cacheKey(h dhtid.ID) string {
	return base32.StdEncoding.EncodeToString(h.Bytes())
}

// HeatCache iterates the durable store in chunks and pushes every known
// infohash into the external cache, mirroring the original crawler's
// --heat-memcache startup mode (heat_memcache in persistence.py).
func HeatCache(ctx context.Context, store interface {
	AllInfoHashes(ctx context.Context, chunkSize int, fn func([]dhtid.ID) error) error
}, cache *redis.Client, chunkSize int) error {
	if cache == nil {
		return fmt.Errorf("filter: HeatCache requires a configured cache")
	}
	return store.AllInfoHashes(ctx, chunkSize, func(chunk []dhtid.ID) error {
		pipe := cache.Pipeline()
		for _, h := range chunk {
			pipe.Set(ctx, cacheKey(h), "1", 0)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}
