package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pipeline_forecast_backend/platform/apperr"
	"pipeline_forecast_backend/platform/logger"
	"pipeline_forecast_backend/platform/metrics"
)

const defaultRecomputeTimeout = 5 * time.Second

// Broadcaster propagates invalidations between processes sharing a tier.
type Broadcaster interface {
	PublishInvalidation(ctx context.Context, key string) error
	SubscribeInvalidations(ctx context.Context, ready chan<- struct{}, fn func(key string)) error
}

// Options configures a Coordinator. Fast is required; the others are optional.
type Options struct {
	Fast             Tier
	Shared           Tier
	Broadcaster      Broadcaster
	RecomputeTimeout time.Duration
	Metrics          *metrics.Metrics
	Log              *logger.Logger
}

// Coordinator serves reads through the fast and shared tiers and recomputes
// on miss. Writers (Put, Invalidate) are serialized per key; hits never lock.
//
// A read that overlaps a write for the same key returns the value cached
// before the write until the write completes. Every write bumps the key's
// generation so that a recompute started earlier cannot store its result
// afterwards.
type Coordinator struct {
	fast   Tier
	shared Tier
	bus    Broadcaster
	budget time.Duration
	locks  *KeyMutex
	group  singleflight.Group

	genMu sync.Mutex
	gens  map[string]uint64

	retryMu sync.Mutex
	retries map[string]func(context.Context) error

	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// New builds a coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Fast == nil {
		return nil, errors.New("cache: fast tier is required")
	}
	if opts.Shared != nil && opts.Fast.TTL() > opts.Shared.TTL() {
		return nil, fmt.Errorf("cache: fast ttl %s exceeds shared ttl %s", opts.Fast.TTL(), opts.Shared.TTL())
	}
	budget := opts.RecomputeTimeout
	if budget <= 0 {
		budget = defaultRecomputeTimeout
	}
	log := opts.Log
	if log == nil {
		log = logger.New("production")
	}
	return &Coordinator{
		fast:    opts.Fast,
		shared:  opts.Shared,
		bus:     opts.Broadcaster,
		budget:  budget,
		locks:   NewKeyMutex(),
		gens:    make(map[string]uint64),
		retries: make(map[string]func(context.Context) error),
		metrics: opts.Metrics,
		log:     log,
		now:     time.Now,
	}, nil
}

type loaded struct {
	value any
	at    time.Time
}

// Get returns the value for key, computing it with loader when neither tier
// holds a fresh copy. When loader fails with an unavailable data source or
// exceeds the time budget, the freshest stale copy is served and the key is
// scheduled for retry.
func Get[T any](ctx context.Context, c *Coordinator, key string, loader func(context.Context) (T, error)) (Entry[T], error) {
	now := c.now()
	gen := c.generation(key)

	var stale *Stored
	var staleSource Source

	if s, ok := c.read(ctx, c.fast, key); ok {
		if s.Fresh(c.fast.TTL(), now) {
			if e, err := decode[T](s, c.fast.TTL(), SourceFast); err == nil {
				c.metrics.CacheLookup(c.fast.Name(), "hit")
				return e, nil
			}
		}
		c.metrics.CacheLookup(c.fast.Name(), "stale")
		stale, staleSource = &s, SourceFast
	} else {
		c.metrics.CacheLookup(c.fast.Name(), "miss")
	}

	if c.shared != nil {
		if s, ok := c.read(ctx, c.shared, key); ok {
			if s.Fresh(c.shared.TTL(), now) {
				if e, err := decode[T](s, c.shared.TTL(), SourceShared); err == nil {
					c.metrics.CacheLookup(c.shared.Name(), "hit")
					c.promote(ctx, key, gen, s)
					return e, nil
				}
			}
			c.metrics.CacheLookup(c.shared.Name(), "stale")
			if stale == nil || s.RefreshedAt.After(stale.RefreshedAt) {
				stale, staleSource = &s, SourceShared
			}
		} else {
			c.metrics.CacheLookup(c.shared.Name(), "miss")
		}
	}

	e, err := load(ctx, c, key, gen, loader)
	if err == nil {
		return e, nil
	}
	if !recoverable(err) {
		return Entry[T]{}, err
	}

	c.markRetry(key, func(ctx context.Context) error {
		_, err := load(ctx, c, key, c.generation(key), loader)
		return err
	})

	if stale != nil {
		ttl := c.fast.TTL()
		if staleSource == SourceShared {
			ttl = c.shared.TTL()
		}
		if se, derr := decode[T](*stale, ttl, staleSource); derr == nil {
			se.Stale = true
			c.metrics.StaleServe()
			c.log.WithContext(ctx).CacheFallback(key, se.Age(now).Seconds(), err)
			return se, nil
		}
	}
	return Entry[T]{}, err
}

func load[T any](ctx context.Context, c *Coordinator, key string, gen uint64, loader func(context.Context) (T, error)) (Entry[T], error) {
	ch := c.group.DoChan(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.budget)
		defer cancel()

		start := time.Now()
		v, err := loader(lctx)
		c.metrics.ObserveRecompute(start, err)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode cache value %s: %w", key, err)
		}
		s := Stored{Data: data, RefreshedAt: c.now()}
		c.storeIfCurrent(lctx, key, gen, s)
		return loaded{value: v, at: s.RefreshedAt}, nil
	})

	timer := time.NewTimer(c.budget)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return Entry[T]{}, res.Err
		}
		l := res.Val.(loaded)
		return Entry[T]{Value: l.value.(T), RefreshedAt: l.at, TTL: c.fast.TTL(), Source: SourceLoader}, nil
	case <-timer.C:
		return Entry[T]{}, apperr.Unavailable("recompute exceeded time budget", context.DeadlineExceeded)
	case <-ctx.Done():
		return Entry[T]{}, ctx.Err()
	}
}

// Put replaces the cached value of key in both tiers. Concurrent Puts and
// Invalidates of the same key are serialized.
func Put[T any](ctx context.Context, c *Coordinator, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}

	unlock := c.locks.Lock(key)
	defer unlock()

	s := Stored{Data: data, RefreshedAt: c.now()}
	var sharedErr error
	if c.shared != nil {
		sharedErr = c.shared.Set(ctx, key, s)
	}

	c.genMu.Lock()
	c.gens[key]++
	_ = c.fast.Set(ctx, key, s)
	c.genMu.Unlock()

	c.clearRetry(key)
	c.broadcast(ctx, key)
	return sharedErr
}

// Invalidate removes key from both tiers. Invalidating an absent key is a
// no-op.
func (c *Coordinator) Invalidate(ctx context.Context, key string) error {
	unlock := c.locks.Lock(key)
	defer unlock()

	var sharedErr error
	if c.shared != nil {
		sharedErr = c.shared.Delete(ctx, key)
	}
	c.dropLocal(key)
	c.broadcast(ctx, key)
	return sharedErr
}

// Listen applies invalidations published by other processes until ctx is
// done. ready, if non-nil, is closed once the subscription is active.
func (c *Coordinator) Listen(ctx context.Context, ready chan<- struct{}) error {
	if c.bus == nil {
		if ready != nil {
			close(ready)
		}
		<-ctx.Done()
		return nil
	}
	return c.bus.SubscribeInvalidations(ctx, ready, c.dropLocal)
}

// RetryPending reruns the loaders of keys that were served stale. It returns
// the number of keys refreshed.
func (c *Coordinator) RetryPending(ctx context.Context) (int, error) {
	c.retryMu.Lock()
	pending := make(map[string]func(context.Context) error, len(c.retries))
	for k, fn := range c.retries {
		pending[k] = fn
	}
	c.retryMu.Unlock()

	refreshed := 0
	var errs []error
	for key, fn := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("retry %s: %w", key, err))
			continue
		}
		c.clearRetry(key)
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}

// Pending lists keys waiting for a retry.
func (c *Coordinator) Pending() []string {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	out := make([]string, 0, len(c.retries))
	for k := range c.retries {
		out = append(out, k)
	}
	return out
}

func (c *Coordinator) generation(key string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.gens[key]
}

func (c *Coordinator) read(ctx context.Context, tier Tier, key string) (Stored, bool) {
	s, ok, err := tier.Get(ctx, key)
	if err != nil {
		c.metrics.CacheLookup(tier.Name(), "error")
		c.log.WithContext(ctx).Warn("cache tier read failed", "tier", tier.Name(), "key", key, "error", err)
		return Stored{}, false
	}
	return s, ok
}

// promote copies a shared hit into the fast tier unless a write happened
// since gen was read.
func (c *Coordinator) promote(ctx context.Context, key string, gen uint64, s Stored) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.gens[key] == gen {
		_ = c.fast.Set(ctx, key, s)
	}
}

func (c *Coordinator) storeIfCurrent(ctx context.Context, key string, gen uint64, s Stored) {
	unlock := c.locks.Lock(key)
	defer unlock()

	if c.generation(key) != gen {
		return
	}
	if c.shared != nil {
		if err := c.shared.Set(ctx, key, s); err != nil {
			c.log.WithContext(ctx).Warn("cache shared tier write failed", "key", key, "error", err)
		}
	}
	c.promote(ctx, key, gen, s)
}

func (c *Coordinator) dropLocal(key string) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	c.gens[key]++
	_ = c.fast.Delete(context.Background(), key)
}

func (c *Coordinator) broadcast(ctx context.Context, key string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.PublishInvalidation(ctx, key); err != nil {
		c.log.WithContext(ctx).Warn("cache invalidation broadcast failed", "key", key, "error", err)
	}
}

func (c *Coordinator) markRetry(key string, fn func(context.Context) error) {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	c.retries[key] = fn
}

func (c *Coordinator) clearRetry(key string) {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	delete(c.retries, key)
}

func decode[T any](s Stored, ttl time.Duration, src Source) (Entry[T], error) {
	var v T
	if err := json.Unmarshal(s.Data, &v); err != nil {
		return Entry[T]{}, err
	}
	return Entry[T]{Value: v, RefreshedAt: s.RefreshedAt, TTL: ttl, Source: src}, nil
}

func recoverable(err error) bool {
	return apperr.Is(err, apperr.KindUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
