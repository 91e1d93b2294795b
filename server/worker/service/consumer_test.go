package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fm_server/server/worker/domain"
	"fm_server/server/worker/metrics"
)

func testEvent(dest domain.LocationType) domain.FileDetectedEvent {
	return domain.FileDetectedEvent{TenantID: "firm-abc", ConfigID: 7, FileName: "a.txt", DestinationType: dest, DedupKey: "fp"}
}

func newTestConsumer(t *testing.T, bus Bus, dest Destinations) *Consumer {
	t.Helper()
	c := NewConsumer(bus, dest, RetryPolicy{MaxAttempts: 3, Interval: 5 * time.Second}, 4, metrics.NewMetrics())
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestConsumerDeadLettersAfterMaxAttempts(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	require.NoError(t, bus.Provision(ctx, "transfer-firm-abc-7"))

	var attempts int32
	var slept []time.Duration
	c := newTestConsumer(t, bus, Destinations{domain.LocationDFS: DestinationFunc(func(context.Context, domain.FileDetectedEvent) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("disk full")
	})})
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	require.NoError(t, c.Handle(ctx, "transfer-firm-abc-7", testEvent(domain.LocationDFS)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts), "no fourth attempt")
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, slept)

	letters := bus.DeadLetters("transfer-firm-abc-7")
	require.Len(t, letters, 1)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, "a.txt", letters[0].Event.FileName)
	assert.Contains(t, letters[0].LastError, "disk full")
	assert.Contains(t, letters[0].LastError, ErrTransferFailure.Error())
}

func TestConsumerSucceedsAfterRetry(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	require.NoError(t, bus.Provision(ctx, "ch"))

	var attempts int32
	c := newTestConsumer(t, bus, Destinations{domain.LocationDFS: DestinationFunc(func(context.Context, domain.FileDetectedEvent) error {
		if atomic.AddInt32(&attempts, 1) < 2 {
			return errors.New("transient")
		}
		return nil
	})})

	require.NoError(t, c.Handle(ctx, "ch", testEvent(domain.LocationDFS)))
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Empty(t, bus.DeadLetters("ch"))
}

func TestConsumerSFTPStubDeadLettersWithoutRetry(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	require.NoError(t, bus.Provision(ctx, "ch"))
	c := newTestConsumer(t, bus, Destinations{domain.LocationSFTP: SFTPDestination{}})

	require.NoError(t, c.Handle(ctx, "ch", testEvent(domain.LocationSFTP)))
	letters := bus.DeadLetters("ch")
	require.Len(t, letters, 1)
	assert.Equal(t, 1, letters[0].Attempts)

	require.NoError(t, c.Handle(ctx, "ch", testEvent("FTP")))
	assert.Len(t, bus.DeadLetters("ch"), 2)
}

func TestConsumerReturnsErrorWhenDeadLetterFails(t *testing.T) {
	c := newTestConsumer(t, NewMemoryBus(), Destinations{domain.LocationDFS: DestinationFunc(func(context.Context, domain.FileDetectedEvent) error {
		return errors.New("boom")
	})})
	err := c.Handle(context.Background(), "not-provisioned", testEvent(domain.LocationDFS))
	assert.ErrorIs(t, err, ErrChannelNotProvisioned)
}

func TestConsumerProvisionSubscribesOnce(t *testing.T) {
	bus := NewMemoryBus()
	c := newTestConsumer(t, bus, Destinations{})
	assert.Error(t, c.Provision(context.Background(), "ch"), "not started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	require.NoError(t, bus.Provision(ctx, "ch"))
	require.NoError(t, c.Provision(ctx, "ch"))
	require.NoError(t, c.Provision(ctx, "ch"))
	assert.Len(t, c.subscribed, 1)
}
