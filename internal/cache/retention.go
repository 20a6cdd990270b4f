package cache

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// RetentionPolicy bounds what the cache keeps. A zero policy keeps every
// artifact forever.
type RetentionPolicy struct {
	// MaxAge evicts artifacts older than this. Zero disables age eviction.
	MaxAge time.Duration
	// MaxBytes evicts oldest artifacts until the total size fits. Zero disables it.
	MaxBytes int64
}

// Enabled reports whether the policy evicts anything.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxAge > 0 || p.MaxBytes > 0
}

// Evict applies the retention policy and returns the keys it removed.
// Artifacts currently being produced are skipped.
func (c *Cache) Evict(ctx context.Context) ([]Key, error) {
	if !c.retention.Enabled() {
		return nil, nil
	}
	entries, err := c.store.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	now := c.nowFunc()
	var removed []Key
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		expired := c.retention.MaxAge > 0 && now.Sub(e.CreatedAt) > c.retention.MaxAge
		oversize := c.retention.MaxBytes > 0 && total > c.retention.MaxBytes
		if !expired && !oversize {
			continue
		}
		if c.isInflight(e.Key) {
			continue
		}
		if err := c.store.Remove(e.Key); err != nil {
			return removed, err
		}
		total -= e.Size
		removed = append(removed, e.Key)
		c.counter.Incr(MetricEvicted)
	}

	if len(removed) > 0 {
		log.Info().Int("evicted", len(removed)).Int64("remaining_bytes", total).Msg("Artifact cache eviction")
	}
	return removed, nil
}

// RunJanitor evicts on every tick until ctx is done. It returns immediately
// when no retention policy is configured.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if !c.retention.Enabled() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Evict(ctx); err != nil {
				log.Warn().Err(err).Msg("Artifact cache eviction failed")
			}
		}
	}
}
