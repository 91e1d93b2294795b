package keyed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrComputeSingleFlight(t *testing.T) {
	cache := New[string](0)
	var calls int32
	release := make(chan struct{})

	const callers = 32
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := cache.GetOrCompute(context.Background(), "firm-abc", func(context.Context) (string, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return "dsn-abc", nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, "dsn-abc", v)
	}

	_, computed, err := cache.GetOrCompute(context.Background(), "firm-abc", func(context.Context) (string, error) {
		t.Fatal("cached value must not be recomputed")
		return "", nil
	})
	require.NoError(t, err)
	assert.False(t, computed)
}

func TestGetOrComputeCallerCancelDoesNotFailSharedFlight(t *testing.T) {
	cache := New[string](0)
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (string, error) {
		close(started)
		select {
		case <-release:
			return "dsn-abc", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := cache.GetOrCompute(ctx, "firm-abc", compute)
		firstErr <- err
	}()
	<-started

	type outcome struct {
		value string
		err   error
	}
	second := make(chan outcome, 1)
	go func() {
		v, _, err := cache.GetOrCompute(context.Background(), "firm-abc", func(context.Context) (string, error) {
			return "", errors.New("joined flight must not compute again")
		})
		second <- outcome{value: v, err: err}
	}()

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Equal(t, "dsn-abc", got.value)
	case <-time.After(time.Second):
		t.Fatal("shared caller did not return")
	}

	v, ok := cache.Get("firm-abc")
	assert.True(t, ok)
	assert.Equal(t, "dsn-abc", v)
}

func TestGetOrComputeDoesNotCacheErrors(t *testing.T) {
	cache := New[int](0)
	boom := errors.New("boom")

	_, _, err := cache.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	v, computed, err := cache.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.True(t, computed)
	assert.Equal(t, 7, v)
}

func TestTTLExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := New[int](10 * time.Minute).WithClock(func() time.Time { return now })

	_, _, err := cache.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	now = now.Add(9 * time.Minute)
	v, ok := cache.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	_, ok = cache.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())

	v, computed, err := cache.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.True(t, computed)
	assert.Equal(t, 2, v)
}

func TestRangeIsSorted(t *testing.T) {
	cache := New[int](0)
	for _, key := range []string{"b", "c", "a"} {
		key := key
		_, _, err := cache.GetOrCompute(context.Background(), key, func(context.Context) (int, error) { return len(key), nil })
		require.NoError(t, err)
	}
	var keys []string
	cache.Range(func(key string, _ int) { keys = append(keys, key) })
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}
