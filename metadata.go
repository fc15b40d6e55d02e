package followup

import (
	"context"
	"sync"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"golang.org/x/sync/singleflight"
)

// DefaultRevalidateAfter is how long a validated metadata version is trusted
// without re-reading it from the gateway.
const DefaultRevalidateAfter = 2 * time.Minute

// MetadataConfig controls a MetadataService instance.
type MetadataConfig struct {
	// Gateway reads the per-user version counter, required.
	Gateway ActivityGateway

	// RevalidateAfter is the trust window of a validated version, default 2m.
	RevalidateAfter time.Duration

	// OnVersionBump is called outside of locks when a newer version (or a changed
	// checksum) is observed, can be nil.
	OnVersionBump func(oldVer, newVer int64)

	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker
}

// MetadataService caches the backend staleness signal, the sole trust anchor for
// cache freshness decisions.
//
// A read inside the trust window is served from memory. Outside of it the version
// is re-read through the gateway, concurrent revalidations collapse into a single
// call. A failed read is returned as an error, never as a silently trusted cached
// value.
type MetadataService struct {
	mu          sync.RWMutex
	userID      string
	current     Metadata
	validated   bool
	validatedAt time.Time

	config MetadataConfig
	group  singleflight.Group
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewMetadataService creates a MetadataService.
func NewMetadataService(config MetadataConfig) *MetadataService {
	if config.RevalidateAfter == 0 {
		config.RevalidateAfter = DefaultRevalidateAfter
	}

	m := &MetadataService{config: config}

	m.log = config.Logger
	if m.log == nil {
		m.log = ctxd.NoOpLogger{}
	}

	m.stat = config.Stats
	if m.stat == nil {
		m.stat = stats.NoOp{}
	}

	return m
}

// Reset forgets the validated state, used on user/session change.
func (m *MetadataService) Reset(userID string) {
	m.mu.Lock()
	m.userID = userID
	m.current = Metadata{}
	m.validated = false
	m.validatedAt = time.Time{}
	m.mu.Unlock()
}

// CurrentVersion implements VersionSource with the last validated version.
func (m *MetadataService) CurrentVersion() int64 {
	m.mu.RLock()
	v := m.current.Version
	m.mu.RUnlock()

	return v
}

// Invalidate drops the trust window so the next Version call hits the gateway.
func (m *MetadataService) Invalidate() {
	m.mu.Lock()
	m.validatedAt = time.Time{}
	m.mu.Unlock()
}

// Version returns the metadata for a user, revalidating through the gateway when
// the trust window has elapsed.
//
// On gateway failure the error is returned and the caller must treat caches as
// untrusted, forcing fetches instead of assuming validity.
func (m *MetadataService) Version(ctx context.Context, userID string) (Metadata, error) {
	m.mu.RLock()
	sameUser := m.userID == userID
	fresh := m.validated && time.Since(m.validatedAt) < m.config.RevalidateAfter
	current := m.current
	m.mu.RUnlock()

	if sameUser && fresh {
		return current, nil
	}

	v, err, _ := m.group.Do(userID, func() (interface{}, error) {
		meta, err := m.config.Gateway.MetadataVersion(ctx, userID)
		if err != nil {
			m.log.Warn(ctx, "metadata version read failed", "error", err, "userID", userID)

			return Metadata{}, ctxd.WrapError(ctx, ErrMetadataUnavailable, "failed to read metadata version",
				"cause", err.Error())
		}

		m.mu.Lock()
		old := m.current
		known := m.validated && m.userID == userID

		m.userID = userID
		m.current = meta
		m.validated = true
		m.validatedAt = time.Now()
		m.mu.Unlock()

		if known && (meta.Version > old.Version || meta.Checksum != old.Checksum) {
			m.log.Debug(ctx, "metadata version bump",
				"oldVersion", old.Version,
				"newVersion", meta.Version,
				"userID", userID)

			if m.config.OnVersionBump != nil {
				m.config.OnVersionBump(old.Version, meta.Version)
			}
		}

		return meta, nil
	})
	if err != nil {
		return Metadata{}, err
	}

	return v.(Metadata), nil
}
