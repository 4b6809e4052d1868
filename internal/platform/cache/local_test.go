package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestLocalExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
	c := NewLocal(WithClock(clock.Now))

	c.Set("items", 42, time.Minute)
	v, ok := c.Get("items")
	require.True(t, ok)
	require.Equal(t, 42, v)

	clock.Advance(59 * time.Second)
	_, ok = c.Get("items")
	require.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("items")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestLocalDeleteByKeyAndPrefix(t *testing.T) {
	c := NewLocal()
	c.Set("inventory:item:A", 1, time.Minute)
	c.Set("inventory:item:B", 2, time.Minute)
	c.Set("inventory:search:all", 3, time.Minute)

	c.Delete("inventory:search:all")
	_, ok := c.Get("inventory:search:all")
	require.False(t, ok)

	c.Delete("inventory:item:*")
	require.Equal(t, 0, c.Len())
}

func TestFetchLoadsOnceAndCaches(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	c := NewLocal(WithMetrics(metrics))
	ctx := context.Background()

	var calls int32
	loader := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 7, nil
	}

	for i := 0; i < 3; i++ {
		v, err := Fetch(ctx, c, "listing", "k", time.Minute, loader)
		require.NoError(t, err)
		require.Equal(t, 7, v)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.hits.WithLabelValues("listing")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.misses.WithLabelValues("listing")))
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	c := NewLocal()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := Fetch(ctx, c, "listing", "k", time.Minute, func(context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	v, err := Fetch(ctx, c, "listing", "k", time.Minute, func(context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", v)
}

func TestFetchSkipsStoreWhenInvalidatedDuringLoad(t *testing.T) {
	c := NewLocal()
	ctx := context.Background()

	v, err := Fetch(ctx, c, "listing", "k", time.Minute, func(context.Context) (int, error) {
		c.Delete("k")
		return 1, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, v)
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestFetchSurvivesFirstCallerCancel(t *testing.T) {
	c := NewLocal()
	started := make(chan struct{})
	release := make(chan struct{})
	var (
		calls     int32
		loaderErr error
	)
	loader := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		loaderErr = ctx.Err()
		return 9, nil
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := Fetch(firstCtx, c, "listing", "k", time.Minute, loader)
		firstDone <- err
	}()
	<-started

	type result struct {
		v   int
		err error
	}
	secondDone := make(chan result, 1)
	go func() {
		v, err := Fetch(context.Background(), c, "listing", "k", time.Minute, loader)
		secondDone <- result{v, err}
	}()

	cancel()
	require.ErrorIs(t, <-firstDone, context.Canceled)

	close(release)
	second := <-secondDone
	require.NoError(t, second.err)
	require.Equal(t, 9, second.v)
	require.NoError(t, loaderErr)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestNilLocalFallsThrough(t *testing.T) {
	var c *Local
	v, err := Fetch(context.Background(), c, "listing", "k", time.Minute, func(context.Context) (int, error) {
		return 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, v)
	c.Delete("k")
	c.Set("k", 1, time.Minute)
}
