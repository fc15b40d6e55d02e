package followup

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
)

// DefaultTTL indicates default (configured) value for entry expiration time.
const DefaultTTL = time.Duration(0)

type (
	skipReadCtxKey struct{}
	ttlCtxKey      struct{}
)

// WithTTL returns context with an entry ttl override.
func WithTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, ttlCtxKey{}, ttl)
}

// TTL returns entry ttl override or 0.
func TTL(ctx context.Context) time.Duration {
	ttl, _ := ctx.Value(ttlCtxKey{}).(time.Duration)
	return ttl
}

// WithSkipRead returns context with cache read ignored.
//
// With such context cache reads always report ErrCacheItemNotFound, forcing a
// gateway fetch. Used when the metadata version could not be validated.
func WithSkipRead(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipReadCtxKey{}, true)
}

// SkipRead returns true if cache read is ignored in context.
func SkipRead(ctx context.Context) bool {
	_, ok := ctx.Value(skipReadCtxKey{}).(bool)
	return ok
}

// VersionSource exposes the current metadata version to version-tagged caches.
type VersionSource interface {
	CurrentVersion() int64
}

// Entry is a cache entry with freshness details.
type Entry interface {
	Value() interface{}
	ExpireAt() time.Time
	Version() int64
}

// entry is a cache entry.
type entry struct {
	Val time.Time
	Exp time.Time
	Ver int64
}

// Value implements Entry.
func (e entry) Value() interface{} {
	return e.Val
}

// ExpireAt implements Entry.
func (e entry) ExpireAt() time.Time {
	return e.Exp
}

// Version implements Entry.
func (e entry) Version() int64 {
	return e.Ver
}

type errExpired struct {
	entry entry
}

func (e errExpired) Error() string {
	return ErrExpiredCacheItem.Error()
}

func (e errExpired) Value() interface{} {
	return e.entry.Val
}

func (e errExpired) ExpiredAt() time.Time {
	return e.entry.Exp
}

func (e errExpired) Is(err error) bool {
	return err == ErrExpiredCacheItem
}

// CacheConfig controls an ActivityCache instance.
type CacheConfig struct {
	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// Name is cache instance name, used in stats and logging.
	Name string

	// Versions supplies the current metadata version, entries tagged with an older
	// version read as missing. Can be nil to disable version checks.
	Versions VersionSource

	// TimeToLive is delay before entry expiration, default 5m.
	TimeToLive time.Duration

	// DeleteExpiredAfter is delay before expired entry is deleted from cache, default 24h.
	DeleteExpiredAfter time.Duration

	// DeleteExpiredJobInterval is delay between two consecutive cleanups, default 1h.
	DeleteExpiredJobInterval time.Duration

	// ItemsCountReportInterval is items count metric report interval, default 1m.
	ItemsCountReportInterval time.Duration

	// ExpirationJitter is a fraction of TTL to randomize, default 0.1.
	// Use -1 to disable.
	// If enabled, entry TTL will be randomly altered in bounds of ±(ExpirationJitter * TTL / 2).
	ExpirationJitter float64
}

// ActivityCache is an in-memory store of latest-activity timestamps keyed by
// entity id.
//
// An entry is served only while it is within its ttl and carries the current
// metadata version, the two checks are complementary: ttl bounds staleness when
// version notifications are missed, versions react immediately when they arrive.
type ActivityCache struct {
	sync.RWMutex
	data   map[EntityID]entry
	closed chan struct{}

	config CacheConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewActivityCache creates an instance of activity cache with optional configuration.
func NewActivityCache(cfg ...CacheConfig) *ActivityCache {
	config := CacheConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.DeleteExpiredAfter == 0 {
		config.DeleteExpiredAfter = 24 * time.Hour
	}

	if config.DeleteExpiredJobInterval == 0 {
		config.DeleteExpiredJobInterval = time.Hour
	}

	if config.ItemsCountReportInterval == 0 {
		config.ItemsCountReportInterval = time.Minute
	}

	if config.ExpirationJitter == 0 {
		config.ExpirationJitter = 0.1
	}

	if config.TimeToLive == 0 {
		config.TimeToLive = 5 * time.Minute
	}

	c := &ActivityCache{
		data:   map[EntityID]entry{},
		config: config,
		stat:   config.Stats,
		log:    config.Logger,
		closed: make(chan struct{}, 1),
	}

	if c.stat != nil {
		go c.reportItemsCount()
	}

	go c.cleaner()

	return c
}

func (c *ActivityCache) currentVersion() int64 {
	if c.config.Versions == nil {
		return 0
	}

	return c.config.Versions.CurrentVersion()
}

// Read gets the latest known activity timestamp for an entity.
//
// A zero timestamp with nil error means the remote store was checked and holds no
// activity for the entity. Missing, version-stale and skip-read entries report
// ErrCacheItemNotFound, ttl-expired entries return the stale value together with a
// typed expiration error.
func (c *ActivityCache) Read(ctx context.Context, id EntityID) (time.Time, error) {
	if SkipRead(ctx) {
		return time.Time{}, ErrCacheItemNotFound
	}

	c.RLock()
	cacheEntry, ok := c.data[id]
	c.RUnlock()

	if !ok {
		if c.log != nil {
			c.log.Debug(ctx, "cache miss", "name", c.config.Name, "key", id)
		}

		if c.stat != nil {
			c.stat.Add(ctx, MetricMiss, 1, "name", c.config.Name)
		}

		return time.Time{}, ErrCacheItemNotFound
	}

	if cacheEntry.Ver < c.currentVersion() {
		if c.log != nil {
			c.log.Debug(ctx, "cache version stale",
				"name", c.config.Name,
				"key", id,
				"entryVersion", cacheEntry.Ver,
				"currentVersion", c.currentVersion())
		}

		if c.stat != nil {
			c.stat.Add(ctx, MetricStaleVer, 1, "name", c.config.Name)
		}

		return time.Time{}, ErrCacheItemNotFound
	}

	if cacheEntry.Exp.Before(time.Now()) {
		if c.log != nil {
			c.log.Debug(ctx, "cache key expired", "name", c.config.Name, "key", id)
		}

		if c.stat != nil {
			c.stat.Add(ctx, MetricExpired, 1, "name", c.config.Name)
		}

		return cacheEntry.Val, errExpired{entry: cacheEntry}
	}

	if c.stat != nil {
		c.stat.Add(ctx, MetricHit, 1, "name", c.config.Name)
	}

	if c.log != nil {
		c.log.Debug(ctx, "cache hit",
			"name", c.config.Name,
			"key", id,
			"entry", cacheEntry)
	}

	return cacheEntry.Val, nil
}

// Write sets the latest activity timestamp for an entity, tagged with the current
// metadata version.
func (c *ActivityCache) Write(ctx context.Context, id EntityID, v time.Time) error {
	c.Lock()
	defer c.Unlock()

	ttl := TTL(ctx)
	if ttl == DefaultTTL {
		ttl = c.config.TimeToLive
	}

	if c.config.ExpirationJitter > 0 {
		ttl += time.Duration(float64(ttl) * c.config.ExpirationJitter * (rand.Float64() - 0.5))
	}

	c.data[id] = entry{Val: v, Exp: time.Now().Add(ttl), Ver: c.currentVersion()}

	if c.log != nil {
		c.log.Debug(ctx, "wrote to cache",
			"name", c.config.Name,
			"key", id,
			"value", v,
			"ttl", ttl)
	}

	if c.stat != nil {
		c.stat.Add(ctx, MetricWrite, 1, "name", c.config.Name)
	}

	return nil
}

// Delete removes an entry, missing key is not an error.
func (c *ActivityCache) Delete(ctx context.Context, id EntityID) {
	c.Lock()
	delete(c.data, id)
	c.Unlock()

	if c.log != nil {
		c.log.Debug(ctx, "deleted cache entry", "name", c.config.Name, "key", id)
	}
}

// InvalidateVersion drops all entries tagged with a version older than newVersion.
//
// Triggered on a metadata version bump and on change feed notifications.
func (c *ActivityCache) InvalidateVersion(newVersion int64) int {
	keys := make([]EntityID, 0, 100)

	c.RLock()
	for k, i := range c.data {
		if i.Ver < newVersion {
			keys = append(keys, k)
		}
	}
	c.RUnlock()

	c.Lock()
	for _, k := range keys {
		delete(c.data, k)
	}
	c.Unlock()

	if c.log != nil {
		c.log.Debug(context.Background(), "invalidated cache items by version",
			"name", c.config.Name,
			"version", newVersion,
			"count", len(keys))
	}

	if c.stat != nil {
		c.stat.Add(context.Background(), MetricInvalidated, float64(len(keys)), "name", c.config.Name)
	}

	return len(keys)
}

// ExpireAll marks all entries as expired, they can still serve stale cache.
func (c *ActivityCache) ExpireAll() {
	now := time.Now()

	c.Lock()
	for k, v := range c.data {
		v.Exp = now
		c.data[k] = v
	}
	c.Unlock()
}

// RemoveAll deletes all entries, used on user/session change.
func (c *ActivityCache) RemoveAll() {
	c.Lock()
	c.data = make(map[EntityID]entry)
	c.Unlock()
}

// Close stops background cleanup.
func (c *ActivityCache) Close() {
	close(c.closed)
}

func (c *ActivityCache) cleaner() {
	for {
		select {
		case <-time.After(c.config.DeleteExpiredJobInterval):
			c.clearExpired()
		case <-c.closed:
			return
		}
	}
}

func (c *ActivityCache) clearExpired() {
	expirationBoundary := time.Now().Add(-c.config.DeleteExpiredAfter)
	keys := make([]EntityID, 0, 100)

	c.RLock()
	for k, i := range c.data {
		if i.Exp.Before(expirationBoundary) {
			keys = append(keys, k)
		}
	}
	c.RUnlock()

	if c.log != nil {
		c.log.Debug(context.Background(), "clearing expired cache items",
			"name", c.config.Name,
			"items", keys,
		)
	}

	c.Lock()
	for _, k := range keys {
		delete(c.data, k)
	}
	c.Unlock()
}

func (c *ActivityCache) reportItemsCount() {
	for {
		select {
		case <-time.After(c.config.ItemsCountReportInterval):
		case <-c.closed:
			return
		}

		count := c.Len()

		if c.log != nil {
			c.log.Debug(context.Background(), "cache items count",
				"name", c.config.Name,
				"count", count,
			)
		}

		if c.stat != nil {
			c.stat.Set(context.Background(), MetricItems, float64(count), "name", c.config.Name)
		}
	}
}

// Len returns number of elements in cache.
func (c *ActivityCache) Len() int {
	c.RLock()
	cnt := len(c.data)
	c.RUnlock()

	return cnt
}

// Walk walks cached entries.
func (c *ActivityCache) Walk(walkFn func(id EntityID, e Entry) error) (int, error) {
	c.RLock()
	defer c.RUnlock()

	n := 0

	for k, v := range c.data {
		c.RUnlock()

		err := walkFn(k, v)

		c.RLock()

		if err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}
