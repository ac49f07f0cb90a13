package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/careops/notifyd/internal/config"
	"github.com/careops/notifyd/internal/models"
)

const busExchange = "notifyd.direct"

// RabbitBus carries events over a durable direct exchange. Each topic maps
// to one durable queue bound with the topic name as routing key; the DLQ
// topic gets a longer per-queue message TTL.
type RabbitBus struct {
	conn *amqp.Connection
	pub  *amqp.Channel
	cfg  config.BusConfig
	log  zerolog.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

func NewRabbitBus(cfg config.BusConfig, log zerolog.Logger) (*RabbitBus, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}

	b := &RabbitBus{conn: conn, pub: pub, cfg: cfg, log: log}
	if err := b.declareTopology(pub); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *RabbitBus) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(busExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	// Main topic: 7 days retention. DLQ: 30 days, for manual triage.
	queues := map[string]time.Duration{
		b.cfg.Topic:    7 * 24 * time.Hour,
		b.cfg.DLQTopic: 30 * 24 * time.Hour,
	}
	for name, ttl := range queues {
		args := amqp.Table{"x-message-ttl": ttl.Milliseconds()}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, name, busExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", name, err)
		}
	}
	return nil
}

func (b *RabbitBus) Publish(ctx context.Context, topic string, ev models.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.pub.PublishWithContext(ctx, busExchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.NotificationID,
		Priority:     0,
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			"x-notification-id": ev.NotificationID,
			"x-priority":        ev.Priority,
		},
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RabbitBus) Subscribe(ctx context.Context, topic, group string, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(topic, group, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					b.handle(ctx, topic, d, h)
				}
			}
		}()
	}

	go func() {
		<-ctx.Done()
		_ = ch.Close()
	}()
	return nil
}

// handle always acks: a failed handler either scheduled a retry or marked
// the record terminal, so redelivery would only duplicate work.
func (b *RabbitBus) handle(ctx context.Context, topic string, d amqp.Delivery, h Handler) {
	defer func() {
		_ = d.Ack(false)
	}()

	var ev models.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("dropping undecodable event")
		return
	}
	if err := h(ctx, ev); err != nil {
		b.log.Error().Err(err).
			Str("topic", topic).
			Str("notification_id", ev.NotificationID).
			Msg("event handler failed")
	}
}

func (b *RabbitBus) Close() error {
	if b.pub != nil {
		_ = b.pub.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.wg.Wait()
	return nil
}
