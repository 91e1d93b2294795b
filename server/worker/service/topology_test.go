package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fm_server/server/worker/metrics"
)

type countingProvisioner struct {
	mu    sync.Mutex
	calls map[string]int
	fail  atomic.Int32
	delay time.Duration
}

func newCountingProvisioner() *countingProvisioner {
	return &countingProvisioner{calls: map[string]int{}}
}

func (p *countingProvisioner) Provision(_ context.Context, channel string) error {
	time.Sleep(p.delay)
	p.mu.Lock()
	p.calls[channel]++
	p.mu.Unlock()
	if p.fail.Load() > 0 {
		p.fail.Add(-1)
		return errors.New("broker unavailable")
	}
	return nil
}

func (p *countingProvisioner) count(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[channel]
}

func TestGetChannelDeterministic(t *testing.T) {
	r := NewTopologyRegistry(newCountingProvisioner(), metrics.NewMetrics())
	for i := 0; i < 3; i++ {
		name, err := r.GetChannel(context.Background(), "firm-abc", 7)
		require.NoError(t, err)
		assert.Equal(t, "transfer-firm-abc-7", name)
	}
	assert.True(t, r.IsRegistered("firm-abc", 7))
	assert.False(t, r.IsRegistered("firm-abc", 8))

	_, err := r.GetChannel(context.Background(), "", 7)
	assert.Error(t, err)
}

func TestGetChannelProvisionsOnceUnderConcurrency(t *testing.T) {
	p := newCountingProvisioner()
	p.delay = 10 * time.Millisecond
	r := NewTopologyRegistry(p, metrics.NewMetrics())

	const callers = 50
	var wg sync.WaitGroup
	names := make([]string, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			name, err := r.GetChannel(context.Background(), "firm-abc", 7)
			assert.NoError(t, err)
			names[i] = name
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, p.count("transfer-firm-abc-7"))
	for _, name := range names {
		assert.Equal(t, "transfer-firm-abc-7", name)
	}
	assert.Len(t, r.ListBindings(""), 1)
}

func TestGetChannelRetriesAfterFailure(t *testing.T) {
	p := newCountingProvisioner()
	p.fail.Store(1)
	r := NewTopologyRegistry(p, metrics.NewMetrics())

	_, err := r.GetChannel(context.Background(), "firm-xyz", 3)
	require.Error(t, err)
	assert.False(t, r.IsRegistered("firm-xyz", 3))

	name, err := r.GetChannel(context.Background(), "firm-xyz", 3)
	require.NoError(t, err)
	assert.Equal(t, "transfer-firm-xyz-3", name)
	assert.Equal(t, 2, p.count(name))
}

func TestListBindingsFiltersAndSorts(t *testing.T) {
	r := NewTopologyRegistry(newCountingProvisioner(), metrics.NewMetrics())
	ctx := context.Background()
	for _, item := range []struct {
		tenant string
		config int64
	}{{"firm-xyz", 2}, {"firm-abc", 9}, {"firm-xyz", 1}} {
		_, err := r.GetChannel(ctx, item.tenant, item.config)
		require.NoError(t, err)
	}

	all := r.ListBindings("")
	require.Len(t, all, 3)
	assert.Equal(t, "transfer-firm-abc-9", all[0].ChannelName)
	assert.Equal(t, "transfer-firm-xyz-1", all[1].ChannelName)

	xyz := r.ListBindings("firm-xyz")
	require.Len(t, xyz, 2)
	assert.Equal(t, int64(1), xyz[0].ConfigID)
}
