package graphalgo

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheTTL is the staleness window for cached graph metrics: cached for
// five minutes and invalidated on any write.
const CacheTTL = 5 * time.Minute

// Metrics bundles the three cached algorithms' output for one graph
// snapshot.
type Metrics struct {
	PageRank    map[string]float64
	Betweenness map[string]float64
	Communities [][]string
	ComputedAt  time.Time
}

// MetricsCache is the interface memory.Graph depends on — either the
// in-process Cache or the Redis-backed shared cache satisfy it, so a
// multi-replica deployment can share one recomputation per graph.
type MetricsCache interface {
	// Get returns the cached Metrics for graphID if present and not
	// stale, or ok=false if a recompute is needed.
	Get(graphID string) (m Metrics, ok bool)
	// Set stores freshly computed Metrics for graphID.
	Set(graphID string, m Metrics)
	// Touch invalidates graphID's cache entry, forcing recompute on next
	// Get. Called by memory.Graph on every write.
	Touch(graphID string)
}

// Cache is the default in-process MetricsCache: a 5-minute TTL with a
// double-checked timestamp guard in Set, so a write computed earlier does
// not replace a fresher clean entry. Get does not coordinate concurrent
// recomputes: every caller that misses recomputes.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Metrics
	dirty   map[string]bool
}

// NewCache returns an empty in-process metrics cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]Metrics),
		dirty:   make(map[string]bool),
	}
}

// Get implements MetricsCache.
func (c *Cache) Get(graphID string) (Metrics, bool) {
	c.mu.RLock()
	m, ok := c.entries[graphID]
	dirty := c.dirty[graphID]
	c.mu.RUnlock()
	if !ok || dirty {
		return Metrics{}, false
	}
	if time.Since(m.ComputedAt) > CacheTTL {
		return Metrics{}, false
	}
	return m, true
}

// Set implements MetricsCache.
func (c *Cache) Set(graphID string, m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Double-checked guard: reject the write only if a clean entry with a
	// later ComputedAt is already present. After Touch the write is always
	// accepted and clears the dirty flag.
	if existing, ok := c.entries[graphID]; ok && !c.dirty[graphID] && existing.ComputedAt.After(m.ComputedAt) {
		return
	}
	c.entries[graphID] = m
	c.dirty[graphID] = false
}

// Touch implements MetricsCache.
func (c *Cache) Touch(graphID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty[graphID] = true
}

// RedisMetricsCache shares the 5-minute cache across orchestrator
// replicas so they don't each pay for PageRank/betweenness/community
// recomputation on the same graph. Values are JSON-encoded; the TTL is
// enforced by Redis's own expiry rather than a client-side timestamp
// check, so Get never needs to read ComputedAt.
type RedisMetricsCache struct {
	client *redis.Client
	prefix string
}

// NewRedisMetricsCache wraps an existing redis.Client. prefix namespaces
// keys (e.g. "conductor:memgraph:").
func NewRedisMetricsCache(client *redis.Client, prefix string) *RedisMetricsCache {
	return &RedisMetricsCache{client: client, prefix: prefix}
}

func (r *RedisMetricsCache) key(graphID string) string {
	return r.prefix + graphID
}

// Get implements MetricsCache. Errors (including cache misses) are treated
// as "needs recompute" — a transient Redis outage degrades to
// always-recompute rather than failing retrieval.
func (r *RedisMetricsCache) Get(graphID string) (Metrics, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := r.client.Get(ctx, r.key(graphID)).Bytes()
	if err != nil {
		return Metrics{}, false
	}
	var m Metrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metrics{}, false
	}
	return m, true
}

// Set implements MetricsCache, writing with Redis-native TTL expiry.
func (r *RedisMetricsCache) Set(graphID string, m Metrics) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	_ = r.client.Set(ctx, r.key(graphID), raw, CacheTTL).Err()
}

// Touch implements MetricsCache by deleting the key outright; the next Get
// will miss and the caller recomputes.
func (r *RedisMetricsCache) Touch(graphID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.client.Del(ctx, r.key(graphID)).Err()
}
