package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/imrishuroy/go-hd-delivery/internal/faults"
	"github.com/imrishuroy/go-hd-delivery/internal/metrics"
)

// Metric names emitted by the cache.
const (
	MetricHit             = "CacheHit"
	MetricMiss            = "CacheMiss"
	MetricProduced        = "CacheProduced"
	MetricProductionError = "CacheProductionError"
	MetricEvicted         = "CacheEvicted"
)

// Producer creates the bytes for a missing artifact.
type Producer func(ctx context.Context) ([]byte, error)

// Cache is a get-or-create front for a FileStore. At most one production runs
// per key at a time; concurrent callers for the same key share its result.
type Cache struct {
	store     *FileStore
	group     singleflight.Group
	counter   metrics.Counter
	retention RetentionPolicy
	nowFunc   func() time.Time

	mu       sync.Mutex
	inflight map[Key]int
}

// Option configures a Cache.
type Option func(*Cache)

// WithCounter reports cache metrics to c.
func WithCounter(c metrics.Counter) Option {
	return func(cc *Cache) { cc.counter = c }
}

// WithRetention sets the eviction policy. The default keeps artifacts forever.
func WithRetention(p RetentionPolicy) Option {
	return func(cc *Cache) { cc.retention = p }
}

// New returns a Cache over store.
func New(store *FileStore, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		counter:  metrics.Nop{},
		nowFunc:  time.Now,
		inflight: make(map[Key]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying FileStore.
func (c *Cache) Store() *FileStore { return c.store }

// Load returns a stored artifact without producing it.
func (c *Cache) Load(key Key) (*Artifact, bool, error) {
	a, ok, err := c.store.Load(key)
	if err != nil {
		return nil, false, faults.New(faults.StorageFailure, "cache load", err)
	}
	return a, ok, nil
}

// GetOrCreate returns the artifact for key, calling produce only when it is
// absent. Production failures are not cached. The production runs detached
// from the cancellation of the caller that started it so that other waiters
// are not failed by one caller going away; each caller stops waiting when its
// own ctx is done.
func (c *Cache) GetOrCreate(ctx context.Context, key Key, produce Producer) (*Artifact, error) {
	if err := key.Validate(); err != nil {
		return nil, faults.New(faults.StorageFailure, "cache key", err)
	}

	if a, ok, err := c.store.Load(key); err != nil {
		return nil, faults.New(faults.StorageFailure, "cache load", err)
	} else if ok {
		c.counter.Incr(MetricHit)
		log.Debug().Str("cache_key", key.String()).Msg("Artifact cache hit")
		return a, nil
	}

	prodCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(string(key), func() (interface{}, error) {
		return c.produce(prodCtx, key, produce)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Artifact), nil
	case <-ctx.Done():
		return nil, faults.New(faults.Timeout, "cache wait", ctx.Err())
	}
}

func (c *Cache) produce(ctx context.Context, key Key, produce Producer) (*Artifact, error) {
	c.markInflight(key, 1)
	defer c.markInflight(key, -1)

	// A previous flight may have finished between our load and this one starting.
	if a, ok, err := c.store.Load(key); err != nil {
		return nil, faults.New(faults.StorageFailure, "cache load", err)
	} else if ok {
		c.counter.Incr(MetricHit)
		return a, nil
	}

	c.counter.Incr(MetricMiss)
	start := c.nowFunc()
	data, err := produce(ctx)
	if err != nil {
		c.counter.Incr(MetricProductionError)
		log.Warn().Err(err).Str("cache_key", key.String()).Msg("Artifact production failed")
		if faults.KindOf(err) == faults.KindUnknown {
			return nil, faults.New(faults.UpstreamUnavailable, "produce", err)
		}
		return nil, err
	}
	if len(data) == 0 {
		c.counter.Incr(MetricProductionError)
		return nil, faults.New(faults.UpstreamRejected, "produce", errors.New("producer returned no bytes"))
	}

	a, err := c.store.Save(ctx, key, data)
	if err != nil {
		c.counter.Incr(MetricProductionError)
		return nil, faults.New(faults.StorageFailure, "cache save", err)
	}

	c.counter.Incr(MetricProduced)
	log.Info().
		Str("cache_key", key.String()).
		Int("bytes", len(data)).
		Dur("duration", c.nowFunc().Sub(start)).
		Msg("Artifact produced and stored")
	return a, nil
}

func (c *Cache) markInflight(key Key, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[key] += delta
	if c.inflight[key] <= 0 {
		delete(c.inflight, key)
	}
}

func (c *Cache) isInflight(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[key] > 0
}

// Describe returns a short human readable summary of the configured policy.
func (c *Cache) Describe() string {
	if !c.retention.Enabled() {
		return "retain indefinitely"
	}
	return fmt.Sprintf("max_age=%s max_bytes=%d", c.retention.MaxAge, c.retention.MaxBytes)
}
