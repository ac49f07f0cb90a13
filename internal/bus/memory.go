package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/careops/notifyd/internal/models"
)

const memoryTopicDepth = 1024

// memoryTopic holds one buffered channel per consumer group. Workers in the
// same group compete for events; every group gets its own copy.
type memoryTopic struct {
	groups map[string]chan []byte
}

// MemoryBus is a channel-backed Bus for single-node deployments and tests.
// Events cross topics as JSON so the wire shape matches the broker-backed
// implementation. Like a broker, a publish to a topic with no subscribers
// drops the event.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	done   chan struct{}
	log    zerolog.Logger
	wg     sync.WaitGroup
	closed bool
}

func NewMemoryBus(log zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		topics: make(map[string]*memoryTopic),
		done:   make(chan struct{}),
		log:    log,
	}
}

func (b *MemoryBus) group(topic, group string) (chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	t, ok := b.topics[topic]
	if !ok {
		t = &memoryTopic{groups: make(map[string]chan []byte)}
		b.topics[topic] = t
	}
	ch, ok := t.groups[group]
	if !ok {
		ch = make(chan []byte, memoryTopicDepth)
		t.groups[group] = ch
	}
	return ch, nil
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, ev models.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	var chans []chan []byte
	if t, ok := b.topics[topic]; ok {
		for _, ch := range t.groups {
			chans = append(chans, ch)
		}
	}
	b.mu.Unlock()

	// Group channels are never closed, so sending outside the lock is safe;
	// the done channel unblocks publishers stuck on a full buffer.
	for _, ch := range chans {
		select {
		case ch <- body:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return fmt.Errorf("bus is closed")
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := b.group(topic, group)
	if err != nil {
		return err
	}

	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				case body := <-ch:
					var ev models.Event
					if err := json.Unmarshal(body, &ev); err != nil {
						b.log.Error().Err(err).Str("topic", topic).Msg("dropping undecodable event")
						continue
					}
					if err := h(ctx, ev); err != nil {
						b.log.Error().Err(err).
							Str("topic", topic).
							Str("notification_id", ev.NotificationID).
							Msg("event handler failed")
					}
				}
			}
		}()
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
