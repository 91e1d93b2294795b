package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fm_server/server/common/log"
	"fm_server/server/worker/domain"
	"fm_server/server/worker/metrics"
)

var ErrTransferFailure = errors.New("transfer failed")

const (
	defaultConcurrency   = 4
	defaultMaxAttempts   = 3
	defaultRetryInterval = 5 * time.Second
)

type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// Consumer subscribes to every provisioned channel and performs transfers.
// It is registered as a Provisioner so each new channel gets its handlers the
// moment it is created.
type Consumer struct {
	bus          Bus
	destinations Destinations
	policy       RetryPolicy
	concurrency  int
	metrics      *metrics.Metrics
	sleep        func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	base       context.Context
	subscribed map[string]bool
}

func NewConsumer(bus Bus, destinations Destinations, policy RetryPolicy, concurrency int, m *metrics.Metrics) *Consumer {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaultMaxAttempts
	}
	if policy.Interval <= 0 {
		policy.Interval = defaultRetryInterval
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Consumer{
		bus:          bus,
		destinations: destinations,
		policy:       policy,
		concurrency:  concurrency,
		metrics:      m,
		sleep:        sleepContext,
		subscribed:   map[string]bool{},
	}
}

// Start sets the lifetime of all subscriptions; they stop when ctx is done.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = ctx
}

func (c *Consumer) Provision(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base == nil {
		return errors.New("consumer is not started")
	}
	if c.subscribed[channel] {
		return nil
	}
	err := c.bus.Subscribe(c.base, channel, c.concurrency, func(ctx context.Context, event domain.FileDetectedEvent) error {
		return c.Handle(ctx, channel, event)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	c.subscribed[channel] = true
	log.Infof("event=consumer action=subscribed channel=%s concurrency=%d", channel, c.concurrency)
	return nil
}

// Handle runs the transfer with fixed-backoff retry. After the last failed
// attempt, or at once for a permanent failure, the event is dead-lettered and
// acknowledged. An error is returned only when the event could not be
// dead-lettered or the consumer is shutting down, so the bus redelivers it.
func (c *Consumer) Handle(ctx context.Context, channel string, event domain.FileDetectedEvent) error {
	var lastErr error
	attempts := 0
	for attempts < c.policy.MaxAttempts {
		attempts++
		if attempts > 1 {
			c.metrics.TransferRetries.Inc()
		}
		lastErr = c.transfer(ctx, event)
		if lastErr == nil {
			c.metrics.TransfersTotal.WithLabelValues(string(event.DestinationType), "ok").Inc()
			log.Infof("event=transfer action=done tenant_id=%s config_id=%d file=%s attempts=%d", event.TenantID, event.ConfigID, event.FileName, attempts)
			return nil
		}
		c.metrics.TransfersTotal.WithLabelValues(string(event.DestinationType), "error").Inc()
		log.Warnf("event=transfer action=attempt_failed tenant_id=%s config_id=%d file=%s attempt=%d err=%v", event.TenantID, event.ConfigID, event.FileName, attempts, lastErr)

		if errors.Is(lastErr, ErrUnsupportedDestination) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempts < c.policy.MaxAttempts {
			if err := c.sleep(ctx, c.policy.Interval); err != nil {
				return err
			}
		}
	}

	letter := domain.DeadLetter{
		Channel:   channel,
		Event:     event,
		Attempts:  attempts,
		LastError: lastErr.Error(),
		FailedAt:  time.Now().UTC(),
	}
	if err := c.bus.DeadLetter(ctx, channel, letter); err != nil {
		log.Errorf("event=transfer action=dead_letter_failed channel=%s file=%s err=%v", channel, event.FileName, err)
		return err
	}
	c.metrics.DeadLettersTotal.Inc()
	log.Errorf("event=transfer action=dead_lettered channel=%s file=%s attempts=%d err=%v", channel, event.FileName, attempts, lastErr)
	return nil
}

func (c *Consumer) transfer(ctx context.Context, event domain.FileDetectedEvent) error {
	dest, ok := c.destinations[event.DestinationType]
	if !ok {
		return fmt.Errorf("%w: %w: %q", ErrTransferFailure, ErrUnsupportedDestination, event.DestinationType)
	}
	if err := dest.Transfer(ctx, event); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailure, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
