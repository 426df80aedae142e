// Package cache implements the fixed-capacity query cache of §4.3: the
// "always-on" discipline where a stale entry is served immediately
// while a single background refresh repopulates it, grounded on the
// teacher's go-pkgz/expirable-cache dependency and the refresh-sweep
// shape of other_examples/tternquist-beyond-ads-dns and
// other_examples/folbricht-routedns' Cache resolver.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/go-pkgz/expirable-cache/v3"

	"github.com/dcompassd/dcompass/internal/dnsmsg"
	"github.com/dcompassd/dcompass/internal/metrics"
)

// Policy is the per-call cache policy enum of §3.
type Policy int

const (
	// Disabled bypasses the cache entirely.
	Disabled Policy = iota
	// Standard stores and serves with the always-on discipline.
	Standard
	// Persistent additionally never tells the caller "miss" due to
	// staleness and is only evicted under LRU pressure.
	Persistent
)

func (p Policy) String() string {
	switch p {
	case Disabled:
		return "disabled"
	case Standard:
		return "standard"
	case Persistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// Resolver is the minimal upstream surface the cache wraps.
type Resolver interface {
	Resolve(ctx context.Context, query *dnsmsg.Message) (*dnsmsg.Message, error)
}

// entry is the stored cache value (§3).
type entry struct {
	resp       *dnsmsg.Message
	insertedAt time.Time
	expiresAt  time.Time
	persistent bool
	hits       int64 // accessed via sync/atomic; entries are shared across readers
}

func (e *entry) stale(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Cache wraps an inner upstream with a bounded LRU cache implementing
// the always-on refresh discipline of §4.3. One Cache instance is
// created per (tag, policy) pair by the registry so policies remain
// independent (§4.6).
type Cache struct {
	inner Resolver
	log   *slog.Logger

	store lru.Cache[dnsmsg.Fingerprint, *entry]

	mu       sync.Mutex
	inflight map[dnsmsg.Fingerprint]struct{}

	negativeTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Options configures a Cache.
type Options struct {
	// Capacity bounds the number of entries retained; least-recently
	// used entries are evicted once exceeded.
	Capacity int
	// NegativeTTL is used for responses that carry no records (so
	// there is no TTL to derive an expiry from).
	NegativeTTL time.Duration
	Logger      *slog.Logger
}

// New builds a Cache wrapping inner with the given capacity (§4.3,
// §4.6: "the cache is instantiated as a wrapper around an inner
// upstream with a capacity parameter").
func New(inner Resolver, opts Options) *Cache {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 4096
	}
	negTTL := opts.NegativeTTL
	if negTTL <= 0 {
		negTTL = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := lru.NewCache[dnsmsg.Fingerprint, *entry]().WithMaxKeys(capacity)

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		inner:       inner,
		log:         logger,
		store:       store,
		inflight:    make(map[dnsmsg.Fingerprint]struct{}),
		negativeTTL: negTTL,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Resolve implements the lookup/insert contract of §4.3. policy
// Disabled bypasses the cache; Standard and Persistent share the
// always-on discipline, differing only in how staleness is reported
// back to the original caller (Persistent never reports a miss due to
// slow background computation — since the stale value is always
// returned immediately regardless of policy, this manifests purely as
// Persistent entries never being treated as "gone" outside of LRU
// pressure; see RefreshSweeper for its proactive counterpart).
func (c *Cache) Resolve(ctx context.Context, query *dnsmsg.Message, policy Policy) (*dnsmsg.Message, error) {
	if policy == Disabled {
		return c.inner.Resolve(ctx, query)
	}

	fp := query.Fingerprint()
	now := time.Now()

	if e, ok := c.store.Get(fp); ok {
		atomic.AddInt64(&e.hits, 1)
		if !e.stale(now) {
			metrics.CacheResultsTotal.WithLabelValues(policy.String(), "hit_fresh").Inc()
			return e.resp, nil
		}
		// Stale hit: serve immediately, refresh in the background.
		metrics.CacheResultsTotal.WithLabelValues(policy.String(), "hit_stale").Inc()
		c.triggerRefresh(fp, query, policy)
		return e.resp, nil
	}

	// Miss: call the inner upstream synchronously.
	metrics.CacheResultsTotal.WithLabelValues(policy.String(), "miss").Inc()
	resp, err := c.inner.Resolve(ctx, query)
	if err != nil {
		// Upstream errors are never cached (§4.3, §7).
		return nil, err
	}
	c.store.Set(fp, c.newEntry(resp, policy, now), 0)
	return resp, nil
}

func (c *Cache) newEntry(resp *dnsmsg.Message, policy Policy, now time.Time) *entry {
	ttl := c.negativeTTL
	if min, ok := resp.MinTTL(); ok {
		ttl = time.Duration(min) * time.Second
	}
	return &entry{
		resp:       resp,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
		persistent: policy == Persistent,
	}
}

// triggerRefresh launches at most one background refresh per key
// (§4.3 invariant 1). If a refresh for fp is already in flight this is
// a no-op. The refresh is derived from c.ctx, which Close cancels, so
// an outstanding refresh is torn down at shutdown instead of outliving
// the cache (§5).
func (c *Cache) triggerRefresh(fp dnsmsg.Fingerprint, query *dnsmsg.Message, policy Policy) {
	c.mu.Lock()
	if _, busy := c.inflight[fp]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[fp] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, fp)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		defer cancel()

		resp, err := c.inner.Resolve(ctx, query.Clone())
		if err != nil {
			// Leave the stale entry in place; the next stale hit
			// retries (§4.3, §7: logged at debug).
			c.log.Debug("cache refresh failed", "qname", fp.QName, "qtype", fp.QType, "error", err)
			return
		}
		c.store.Set(fp, c.newEntry(resp, policy, time.Now()), 0)
	}()
}

// Close cancels every outstanding and future background refresh
// derived from this cache (§5). It does not clear the cached entries
// themselves.
func (c *Cache) Close() error {
	c.cancel()
	return nil
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int { return c.store.Len() }

// InflightCount reports the number of refreshes currently in flight,
// exposed for tests exercising the at-most-one-refresh invariant.
func (c *Cache) InflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// HotKeys returns fingerprints whose stored entry is Persistent,
// stale, and has accumulated at least minHits hits — the input to the
// proactive RefreshSweeper below.
func (c *Cache) HotKeys(minHits int64) []dnsmsg.Fingerprint {
	now := time.Now()
	var hot []dnsmsg.Fingerprint
	for _, fp := range c.store.Keys() {
		e, ok := c.store.Peek(fp)
		if !ok || !e.persistent || !e.stale(now) || atomic.LoadInt64(&e.hits) < minHits {
			continue
		}
		hot = append(hot, fp)
	}
	return hot
}

// RefreshKey re-triggers a background refresh for fp using a fresh
// query rebuilt from the fingerprint's qname, qtype and qclass (the
// original query is not stored). Used by the sweeper to proactively
// refresh hot Persistent keys outside the request path.
func (c *Cache) RefreshKey(fp dnsmsg.Fingerprint, policy Policy) {
	if _, ok := c.store.Peek(fp); !ok {
		return
	}
	query := dnsmsg.NewQuery(fp.QName, fp.QType, fp.QClass)
	c.triggerRefresh(fp, query, policy)
}
