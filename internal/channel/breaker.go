package channel

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/careops/notifyd/internal/models"
)

// BreakerSender guards a Sender with a circuit breaker so a melting provider
// fails fast instead of tying up consumer workers until the send timeout.
type BreakerSender struct {
	inner Sender
	cb    *gobreaker.CircuitBreaker
}

func WithBreaker(inner Sender) *BreakerSender {
	settings := gobreaker.Settings{
		Name:        string(inner.Channel()),
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	}
	return &BreakerSender{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

func (s *BreakerSender) Channel() models.Channel { return s.inner.Channel() }

func (s *BreakerSender) Send(ctx context.Context, n *models.Notification) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.inner.Send(ctx, n)
	})
	return err
}
