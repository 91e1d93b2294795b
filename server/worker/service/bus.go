package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fm_server/server/common/log"
	"fm_server/server/worker/domain"
)

var ErrChannelNotProvisioned = errors.New("channel is not provisioned")

// Handler processes one delivery. A nil return acknowledges it; an error
// hands the delivery back to the bus for redelivery.
type Handler func(ctx context.Context, event domain.FileDetectedEvent) error

type Bus interface {
	Provisioner
	Publish(ctx context.Context, channel string, event domain.FileDetectedEvent, dedupKey string) error
	// Subscribe starts concurrency handlers on channel and returns once they
	// are running. They stop when ctx is done.
	Subscribe(ctx context.Context, channel string, concurrency int, handler Handler) error
	DeadLetter(ctx context.Context, channel string, letter domain.DeadLetter) error
}

// Provisioners runs each provisioner in order and stops at the first error.
type Provisioners []Provisioner

func (p Provisioners) Provision(ctx context.Context, channel string) error {
	for _, item := range p {
		if err := item.Provision(ctx, channel); err != nil {
			return err
		}
	}
	return nil
}

const memoryQueueSize = 1024

type memoryQueue struct {
	deliveries chan domain.FileDetectedEvent
	seen       map[string]struct{}
	dead       []domain.DeadLetter
	published  int
}

// MemoryBus is an in-process bus for local runs and tests. Like the broker's
// deduplication plugin it drops a publish whose dedup key was already seen on
// the channel.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{queues: map[string]*memoryQueue{}}
}

func (b *MemoryBus) Provision(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[channel]; !ok {
		b.queues[channel] = &memoryQueue{
			deliveries: make(chan domain.FileDetectedEvent, memoryQueueSize),
			seen:       map[string]struct{}{},
		}
	}
	return nil
}

func (b *MemoryBus) queue(channel string) (*memoryQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotProvisioned, channel)
	}
	return q, nil
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, event domain.FileDetectedEvent, dedupKey string) error {
	q, err := b.queue(channel)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if dedupKey != "" {
		if _, dup := q.seen[dedupKey]; dup {
			b.mu.Unlock()
			log.Debugf("event=bus action=dedup_drop channel=%s dedup_key=%s", channel, dedupKey)
			return nil
		}
		q.seen[dedupKey] = struct{}{}
	}
	q.published++
	b.mu.Unlock()

	select {
	case q.deliveries <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string, concurrency int, handler Handler) error {
	q, err := b.queue(channel)
	if err != nil {
		return err
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case event := <-q.deliveries:
					if err := handler(ctx, event); err != nil {
						log.Warnf("event=bus action=requeue channel=%s err=%v", channel, err)
						go func() {
							select {
							case q.deliveries <- event:
							case <-ctx.Done():
							}
						}()
					}
				}
			}
		}()
	}
	return nil
}

func (b *MemoryBus) DeadLetter(_ context.Context, channel string, letter domain.DeadLetter) error {
	q, err := b.queue(channel)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q.dead = append(q.dead, letter)
	return nil
}

func (b *MemoryBus) DeadLetters(channel string) []domain.DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[channel]
	if !ok {
		return nil
	}
	return append([]domain.DeadLetter(nil), q.dead...)
}

func (b *MemoryBus) Published(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[channel]
	if !ok {
		return 0
	}
	return q.published
}
