package rbac

import (
	"context"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/gridguard/pkg/observability"
)

// SnapshotLoader loads a workspace snapshot. *Store implements it.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, workspaceID int64) (*Snapshot, error)
}

// SnapshotCache keeps recently used workspace snapshots. Entries expire after
// the configured TTL, so writes made outside this process become visible
// within one TTL even without an explicit Invalidate.
type SnapshotCache struct {
	loader  SnapshotLoader
	cache   *lru.LRU[int64, *Snapshot]
	group   singleflight.Group
	metrics *observability.Metrics

	// mu orders cache inserts against invalidations. A load only populates
	// the cache when no Invalidate or Purge ran while it was in flight.
	mu          sync.Mutex
	generations map[int64]uint64
	purges      uint64
}

type generation struct {
	workspace uint64
	purges    uint64
}

// NewSnapshotCache creates a cache holding at most size snapshots for ttl.
// A size of zero or less disables caching: every Get loads.
func NewSnapshotCache(loader SnapshotLoader, size int, ttl time.Duration, metrics *observability.Metrics) *SnapshotCache {
	c := &SnapshotCache{loader: loader, metrics: metrics, generations: make(map[int64]uint64)}
	if size > 0 {
		c.cache = lru.NewLRU[int64, *Snapshot](size, nil, ttl)
	}
	return c
}

// Get returns the cached snapshot for workspaceID, loading it on a miss.
// Concurrent misses for the same workspace share one load.
func (c *SnapshotCache) Get(ctx context.Context, workspaceID int64) (*Snapshot, error) {
	if c.cache != nil {
		if snap, ok := c.cache.Get(workspaceID); ok {
			if c.metrics != nil {
				c.metrics.SnapshotCacheHits.Inc()
			}
			return snap, nil
		}
		if c.metrics != nil {
			c.metrics.SnapshotCacheMisses.Inc()
		}
	}

	v, err, _ := c.group.Do(flightKey(workspaceID), func() (interface{}, error) {
		gen := c.generation(workspaceID)
		start := time.Now()
		snap, err := c.loader.LoadSnapshot(ctx, workspaceID)
		if c.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			c.metrics.SnapshotLoadsTotal.WithLabelValues(status).Inc()
			c.metrics.SnapshotLoadDuration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return nil, err
		}
		c.addIfCurrent(workspaceID, snap, gen)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func flightKey(workspaceID int64) string {
	return strconv.FormatInt(workspaceID, 10)
}

func (c *SnapshotCache) generation(workspaceID int64) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return generation{workspace: c.generations[workspaceID], purges: c.purges}
}

// addIfCurrent caches snap unless the workspace was invalidated after gen was read
func (c *SnapshotCache) addIfCurrent(workspaceID int64, snap *Snapshot, gen generation) {
	if c.cache == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[workspaceID] != gen.workspace || c.purges != gen.purges {
		return
	}
	c.cache.Add(workspaceID, snap)
}

// Invalidate drops the cached snapshot of workspaceID. A load already in
// flight is neither cached nor shared with later callers.
func (c *SnapshotCache) Invalidate(workspaceID int64) {
	c.mu.Lock()
	c.generations[workspaceID]++
	removed := c.cache != nil && c.cache.Remove(workspaceID)
	c.mu.Unlock()

	c.group.Forget(flightKey(workspaceID))
	if removed && c.metrics != nil {
		c.metrics.SnapshotInvalidations.Inc()
	}
}

// Purge drops every cached snapshot
func (c *SnapshotCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purges++
	if c.cache != nil {
		c.cache.Purge()
	}
}

// Len returns the number of cached snapshots
func (c *SnapshotCache) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
