// Package bus is the event-transport port of the delivery pipeline. It
// guarantees at-least-once handoff; dedup and retry state live in storage,
// so handlers must be idempotent.
package bus

import (
	"context"

	"github.com/careops/notifyd/internal/models"
)

// Handler processes one event. Returning an error never requeues the
// message: failure handling is the dispatcher's job, the bus always acks.
type Handler func(ctx context.Context, ev models.Event) error

type Bus interface {
	Publish(ctx context.Context, topic string, ev models.Event) error
	// Subscribe attaches concurrency workers in the given consumer group to
	// a topic. It returns once the workers are running.
	Subscribe(ctx context.Context, topic, group string, concurrency int, h Handler) error
	Close() error
}
