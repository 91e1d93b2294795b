package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"fm_server/server/common/log"
	"fm_server/server/worker/domain"
)

const (
	dedupHeader    = "x-deduplication-header"
	dedupCacheSize = 100000
)

// AMQPBus maps channels to durable LavinMQ/RabbitMQ queues on the default
// exchange. Each queue dead-letters into <channel>.dead-letter and enables
// the broker's message deduplication keyed by the x-deduplication-header.
type AMQPBus struct {
	conn *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

func NewAMQPBus(conn *amqp.Connection) (*AMQPBus, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &AMQPBus{conn: conn, pubCh: ch}, nil
}

func (b *AMQPBus) Provision(_ context.Context, channel string) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	deadLetter := domain.DeadLetterName(channel)
	if _, err := ch.QueueDeclare(deadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", deadLetter, err)
	}
	_, err = ch.QueueDeclare(channel, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": deadLetter,
		"x-message-deduplication":   true,
		"x-cache-size":              dedupCacheSize,
	})
	if err != nil {
		return fmt.Errorf("declare %s: %w", channel, err)
	}
	return nil
}

func (b *AMQPBus) Publish(ctx context.Context, channel string, event domain.FileDetectedEvent, dedupKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     dedupKey,
		CorrelationId: uuid.NewString(),
		Timestamp:     time.Now(),
		Body:          body,
	}
	if dedupKey != "" {
		msg.Headers = amqp.Table{dedupHeader: dedupKey}
	}
	return b.publish(ctx, channel, msg)
}

func (b *AMQPBus) DeadLetter(ctx context.Context, channel string, letter domain.DeadLetter) error {
	body, err := json.Marshal(letter)
	if err != nil {
		return err
	}
	return b.publish(ctx, domain.DeadLetterName(channel), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    letter.Event.DedupKey,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"x-last-error": letter.LastError, "x-attempts": int32(letter.Attempts)},
		Body:         body,
	})
}

func (b *AMQPBus) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	b.pubMu.Lock()
	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	b.pubMu.Unlock()
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked publish to %s", queue)
	}
	return nil
}

func (b *AMQPBus) Subscribe(ctx context.Context, channel string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	tag := "fm-worker-" + uuid.NewString()
	deliveries, err := ch.ConsumeWithContext(ctx, channel, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", channel, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				b.handle(ctx, channel, d, handler)
			}
		}()
	}
	go func() {
		<-ctx.Done()
		_ = ch.Cancel(tag, false)
		wg.Wait()
		_ = ch.Close()
	}()
	return nil
}

func (b *AMQPBus) handle(ctx context.Context, channel string, d amqp.Delivery, handler Handler) {
	var event domain.FileDetectedEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		log.Errorf("event=bus action=decode_failed channel=%s message_id=%s err=%v", channel, d.MessageId, err)
		_ = d.Nack(false, false)
		return
	}
	if err := handler(ctx, event); err != nil {
		log.Warnf("event=bus action=nack channel=%s message_id=%s err=%v", channel, d.MessageId, err)
		_ = d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Warnf("event=bus action=ack_failed channel=%s message_id=%s err=%v", channel, d.MessageId, err)
	}
}

func (b *AMQPBus) Close() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh == nil {
		return nil
	}
	err := b.pubCh.Close()
	b.pubCh = nil
	return err
}
