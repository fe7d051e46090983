package detect

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/umbrix/backend/internal/repo"
)

// ConfigCache serves per-tenant detector threshold snapshots. Reads are
// copy-on-write: a worker takes one immutable snapshot at run start and
// keeps it for the whole run.
type ConfigCache struct {
	mu       sync.RWMutex
	store    repo.DetectorConfigs
	defaults Thresholds
	ttl      time.Duration
	logger   *log.Logger

	entries map[string]cacheEntry
}

type cacheEntry struct {
	snapshot Thresholds
	loadedAt time.Time
}

// NewConfigCache creates a cache over the detector-config store. A zero ttl
// defaults to one minute.
func NewConfigCache(store repo.DetectorConfigs, defaults Thresholds, ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ConfigCache{
		store:    store,
		defaults: defaults,
		ttl:      ttl,
		logger:   log.New(log.Writer(), "[DetectorConfig] ", log.LstdFlags),
		entries:  make(map[string]cacheEntry),
	}
}

// Snapshot returns the effective thresholds for a tenant: shipped defaults
// overlaid with the highest active version per detector. The returned value
// is a copy; callers may hold it for the duration of a run.
func (c *ConfigCache) Snapshot(ctx context.Context, organizationID string) Thresholds {
	c.mu.RLock()
	entry, ok := c.entries[organizationID]
	c.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < c.ttl {
		return cloneThresholds(entry.snapshot)
	}

	snap := cloneThresholds(c.defaults)
	if c.store != nil {
		configs, err := c.store.ActiveDetectorConfigs(ctx, organizationID)
		if err != nil {
			// Stale beats broken: fall back to the previous snapshot if any.
			c.logger.Printf("config load failed for org %s, using defaults: %v", organizationID, err)
			if ok {
				return cloneThresholds(entry.snapshot)
			}
			return snap
		}
		for _, cfg := range configs {
			snap.Apply(cfg)
		}
	}

	c.mu.Lock()
	c.entries[organizationID] = cacheEntry{snapshot: cloneThresholds(snap), loadedAt: time.Now()}
	c.mu.Unlock()
	return snap
}

// Invalidate drops a tenant's cached snapshot, forcing a reload on the next
// run. Called after the feedback loop installs a new configuration version.
func (c *ConfigCache) Invalidate(organizationID string) {
	c.mu.Lock()
	delete(c.entries, organizationID)
	c.mu.Unlock()
}

func cloneThresholds(t Thresholds) Thresholds {
	out := t
	out.Versions = make(map[string]int, len(t.Versions))
	for k, v := range t.Versions {
		out.Versions[k] = v
	}
	return out
}

// DetectorVersions converts the snapshot's version map for the ML metadata
// capture on feedback.
func (t Thresholds) DetectorVersions() map[string]int {
	out := make(map[string]int, len(t.Versions))
	for k, v := range t.Versions {
		out[k] = v
	}
	return out
}

// FromConfig builds the default thresholds from the master configuration.
func FromConfig(velocityPerMinute, batchSize, batchWindowSeconds float64, hoursStart, hoursEnd int) Thresholds {
	th := DefaultThresholds()
	if velocityPerMinute > 0 {
		th.VelocityEventsPerMinute = velocityPerMinute
	}
	if batchSize > 0 {
		th.BatchOperationSize = batchSize
	}
	if batchWindowSeconds > 0 {
		th.BatchWindowSeconds = batchWindowSeconds
	}
	if hoursStart > 0 {
		th.BusinessHoursStart = hoursStart
	}
	if hoursEnd > 0 {
		th.BusinessHoursEnd = hoursEnd
	}
	return th
}
