package followup

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bool64/cache"
	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/cespare/xxhash/v2"
)

// LabelSetKey canonicalizes a set of labels into a cache key.
//
// Order and duplicates do not affect the key.
func LabelSetKey(labels []string) string {
	set := make([]string, 0, len(labels))
	seen := map[string]bool{}

	for _, l := range labels {
		if !seen[l] {
			seen[l] = true

			set = append(set, l)
		}
	}

	sort.Strings(set)

	return "labels:" + strconv.FormatUint(xxhash.Sum64String(strings.Join(set, "\x00")), 16)
}

// TemplateCacheConfig controls a TemplateCache instance.
type TemplateCacheConfig struct {
	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// Name is cache instance name, used in stats and logging.
	Name string

	// Versions supplies the current metadata version, can be nil.
	Versions VersionSource

	// TimeToLive is delay before entry expiration, default 5m.
	TimeToLive time.Duration

	// CleanupInterval is delay between janitor runs of the backing store, default 10m.
	CleanupInterval time.Duration
}

type templateEnvelope struct {
	Val interface{}
	Ver int64
}

// TemplateCache caches label-set-keyed payloads, the sibling of ActivityCache for
// follow-up template lookups.
//
// Storage, expiration and hit/miss accounting are delegated to the backing store,
// version tagging is layered on top so a metadata bump misses the same way it does
// for activity entries.
type TemplateCache struct {
	store  *cache.ShardedMap
	config TemplateCacheConfig
	stat   stats.Tracker
}

// NewTemplateCache creates an instance of template cache with optional configuration.
func NewTemplateCache(cfg ...TemplateCacheConfig) *TemplateCache {
	config := TemplateCacheConfig{}

	if len(cfg) >= 1 {
		config = cfg[0]
	}

	if config.TimeToLive == 0 {
		config.TimeToLive = 5 * time.Minute
	}

	if config.CleanupInterval == 0 {
		config.CleanupInterval = 10 * time.Minute
	}

	return &TemplateCache{
		store: cache.NewShardedMap(cache.Config{
			Name:                     config.Name,
			Logger:                   config.Logger,
			Stats:                    config.Stats,
			TimeToLive:               config.TimeToLive,
			DeleteExpiredJobInterval: config.CleanupInterval,
		}.Use),
		config: config,
		stat:   config.Stats,
	}
}

func (c *TemplateCache) currentVersion() int64 {
	if c.config.Versions == nil {
		return 0
	}

	return c.config.Versions.CurrentVersion()
}

// Read gets a payload for a label set.
//
// Expired and version-stale entries read as missing, a stale entry is left for the
// janitor and dies by ttl or by overwrite.
func (c *TemplateCache) Read(ctx context.Context, labels []string) (interface{}, error) {
	if SkipRead(ctx) {
		return nil, ErrCacheItemNotFound
	}

	v, err := c.store.Read(ctx, []byte(LabelSetKey(labels)))
	if err != nil {
		return nil, ErrCacheItemNotFound
	}

	env := v.(templateEnvelope)

	if env.Ver < c.currentVersion() {
		if c.stat != nil {
			c.stat.Add(ctx, MetricStaleVer, 1, "name", c.config.Name)
		}

		return nil, ErrCacheItemNotFound
	}

	return env.Val, nil
}

// Write sets a payload for a label set, tagged with the current metadata version.
func (c *TemplateCache) Write(ctx context.Context, labels []string, v interface{}) error {
	return c.store.Write(ctx, []byte(LabelSetKey(labels)), templateEnvelope{Val: v, Ver: c.currentVersion()})
}

// RemoveAll deletes all entries, used on user/session change and invalidation.
func (c *TemplateCache) RemoveAll() {
	c.store.DeleteAll(context.Background())
}

// Len returns number of elements in cache.
func (c *TemplateCache) Len() int {
	return c.store.Len()
}
