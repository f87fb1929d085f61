package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"pipeline_forecast_backend/platform/apperr"
	"pipeline_forecast_backend/platform/logger"
	"pipeline_forecast_backend/platform/metrics"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type payload struct {
	Version int `json:"version"`
}

type fixture struct {
	cache   *Coordinator
	clock   *testClock
	metrics *metrics.Metrics
	shared  *RedisTier
}

func newFixture(t *testing.T, mr *miniredis.Miniredis) fixture {
	t.Helper()

	fast, err := NewLocalTier(64, 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := metrics.New(prometheus.NewRegistry())
	opts := Options{
		Fast:             fast,
		RecomputeTimeout: 200 * time.Millisecond,
		Metrics:          m,
		Log:              logger.NewWithWriter("test", io.Discard),
	}

	var shared *RedisTier
	if mr != nil {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		shared = NewRedisTier(client, 60*time.Second, 24*time.Hour)
		opts.Shared = shared
		opts.Broadcaster = shared
	}

	c, err := New(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock := &testClock{now: time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	return fixture{cache: c, clock: clock, metrics: m, shared: shared}
}

func versionLoader(v *atomic.Int32, calls *atomic.Int32) func(context.Context) (payload, error) {
	return func(context.Context) (payload, error) {
		calls.Add(1)
		return payload{Version: int(v.Load())}, nil
	}
}

func TestGetReadsThroughOnce(t *testing.T) {
	f := newFixture(t, miniredis.RunT(t))
	var version, calls atomic.Int32
	version.Store(1)
	ctx := context.Background()

	first, err := Get(ctx, f.cache, "k", versionLoader(&version, &calls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Source != SourceLoader || first.Value.Version != 1 {
		t.Fatalf("expected loader v1, got %s v%d", first.Source, first.Value.Version)
	}

	second, err := Get(ctx, f.cache, "k", versionLoader(&version, &calls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Source != SourceFast {
		t.Fatalf("expected fast hit, got %s", second.Source)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected loader to run once, got %d", calls.Load())
	}
	if got := testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues("fast", "hit")); got != 1 {
		t.Fatalf("expected 1 fast hit, got %v", got)
	}
}

func TestFastExpiryFallsBackToShared(t *testing.T) {
	f := newFixture(t, miniredis.RunT(t))
	var version, calls atomic.Int32
	version.Store(1)
	ctx := context.Background()

	if _, err := Get(ctx, f.cache, "k", versionLoader(&version, &calls)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.clock.Advance(30 * time.Second)

	e, err := Get(ctx, f.cache, "k", versionLoader(&version, &calls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Source != SourceShared {
		t.Fatalf("expected shared hit, got %s", e.Source)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no recompute, got %d loader calls", calls.Load())
	}
}

func TestReadAfterInvalidateSeesNewData(t *testing.T) {
	f := newFixture(t, miniredis.RunT(t))
	var version, calls atomic.Int32
	version.Store(1)
	ctx := context.Background()

	if _, err := Get(ctx, f.cache, "k", versionLoader(&version, &calls)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	version.Store(2)
	if err := f.cache.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, err := Get(ctx, f.cache, "k", versionLoader(&version, &calls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Value.Version != 2 {
		t.Fatalf("expected version 2 after invalidate, got %d", e.Value.Version)
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	f := newFixture(t, miniredis.RunT(t))
	for i := 0; i < 2; i++ {
		if err := f.cache.Invalidate(context.Background(), "absent"); err != nil {
			t.Fatalf("expected no error invalidating absent key, got %v", err)
		}
	}
}

func TestPutReplacesValueInBothTiers(t *testing.T) {
	mr := miniredis.RunT(t)
	f := newFixture(t, mr)
	ctx := context.Background()

	if err := Put(ctx, f.cache, "k", payload{Version: 7}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fail := func(context.Context) (payload, error) {
		t.Fatalf("loader must not run after put")
		return payload{}, nil
	}
	e, err := Get(ctx, f.cache, "k", fail)
	if err != nil || e.Value.Version != 7 || e.Source != SourceFast {
		t.Fatalf("expected fast v7, got %+v (%v)", e, err)
	}

	other := newFixture(t, mr)
	e, err = Get(ctx, other.cache, "k", fail)
	if err != nil || e.Value.Version != 7 || e.Source != SourceShared {
		t.Fatalf("expected shared v7 from second process, got %+v (%v)", e, err)
	}
}

func TestStaleServedWhenSourceUnavailable(t *testing.T) {
	f := newFixture(t, miniredis.RunT(t))
	var version, calls atomic.Int32
	version.Store(1)
	ctx := context.Background()

	if _, err := Get(ctx, f.cache, "k", versionLoader(&version, &calls)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.clock.Advance(2 * time.Minute)

	down := func(context.Context) (payload, error) {
		return payload{}, apperr.Unavailable("opportunity store unreachable", errors.New("connection refused"))
	}
	e, err := Get(ctx, f.cache, "k", down)
	if err != nil {
		t.Fatalf("expected stale value, got error %v", err)
	}
	if !e.Stale || e.Value.Version != 1 {
		t.Fatalf("expected stale v1, got %+v", e)
	}
	if pending := f.cache.Pending(); len(pending) != 1 || pending[0] != "k" {
		t.Fatalf("expected k pending retry, got %v", pending)
	}
	if got := testutil.ToFloat64(f.metrics.CacheStaleServes); got != 1 {
		t.Fatalf("expected 1 stale serve, got %v", got)
	}

	// The retry uses the loader captured at the failed read.
	if _, err := f.cache.RetryPending(ctx); err == nil {
		t.Fatalf("expected retry to fail while source is down")
	}
	if len(f.cache.Pending()) != 1 {
		t.Fatalf("expected key to stay pending")
	}
}

func TestRetryPendingRefreshesKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var up atomic.Bool
	loader := func(context.Context) (payload, error) {
		if !up.Load() {
			return payload{}, apperr.Unavailable("down", nil)
		}
		return payload{Version: 3}, nil
	}

	if _, err := Get(ctx, f.cache, "k", loader); !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable without stale value, got %v", err)
	}
	up.Store(true)

	refreshed, err := f.cache.RetryPending(ctx)
	if err != nil || refreshed != 1 {
		t.Fatalf("expected 1 refreshed key, got %d (%v)", refreshed, err)
	}
	e, err := Get(ctx, f.cache, "k", func(context.Context) (payload, error) {
		t.Fatalf("loader must not run after retry filled the cache")
		return payload{}, nil
	})
	if err != nil || e.Value.Version != 3 {
		t.Fatalf("expected cached v3, got %+v (%v)", e, err)
	}
}

func TestNonRecoverableErrorSurfaces(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := Put(ctx, f.cache, "k", payload{Version: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.clock.Advance(time.Minute)

	_, err := Get(ctx, f.cache, "k", func(context.Context) (payload, error) {
		return payload{}, apperr.Validation("bad period")
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.cache.Pending()) != 0 {
		t.Fatalf("expected no retry for non-recoverable error")
	}
}

func TestRecomputeIsTimeBounded(t *testing.T) {
	f := newFixture(t, nil)
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	_, err := Get(context.Background(), f.cache, "slow", func(context.Context) (payload, error) {
		<-block
		return payload{}, nil
	})
	if err == nil || !recoverable(err) {
		t.Fatalf("expected recoverable timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected bounded recompute, took %s", elapsed)
	}
}

func TestRecomputeStartedBeforeWriteDoesNotOverwrite(t *testing.T) {
	f := newFixture(t, miniredis.RunT(t))
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Get(ctx, f.cache, "k", func(context.Context) (payload, error) {
			close(started)
			<-release
			return payload{Version: 1}, nil
		})
		done <- err
	}()

	<-started
	if err := Put(ctx, f.cache, "k", payload{Version: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, err := Get(ctx, f.cache, "k", func(context.Context) (payload, error) {
		return payload{Version: -1}, nil
	})
	if err != nil || e.Value.Version != 2 {
		t.Fatalf("expected v2 to survive the older recompute, got %+v (%v)", e, err)
	}
}

func TestInvalidationBroadcastDropsPeerFastTier(t *testing.T) {
	mr := miniredis.RunT(t)
	writer := newFixture(t, mr)
	reader := newFixture(t, mr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go func() { _ = reader.cache.Listen(ctx, ready) }()
	<-ready

	if err := Put(ctx, writer.cache, "k", payload{Version: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	noLoad := func(context.Context) (payload, error) {
		return payload{}, apperr.Unavailable("unused", nil)
	}
	if e, err := Get(ctx, reader.cache, "k", noLoad); err != nil || e.Value.Version != 1 {
		t.Fatalf("expected v1, got %+v (%v)", e, err)
	}

	if err := Put(ctx, writer.cache, "k", payload{Version: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		e, err := Get(ctx, reader.cache, "k", noLoad)
		if err == nil && e.Value.Version == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected peer to observe v2, last %+v (%v)", e, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewRejectsFastTTLAboveShared(t *testing.T) {
	fast, _ := NewLocalTier(8, time.Minute)
	client := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	defer client.Close()

	if _, err := New(Options{Fast: fast, Shared: NewRedisTier(client, time.Second, time.Hour)}); err == nil {
		t.Fatalf("expected error when fast ttl exceeds shared ttl")
	}
}
