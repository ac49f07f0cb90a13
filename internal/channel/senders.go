package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/notifyd/internal/models"
)

// The built-in senders log the delivery and simulate provider latency.
// Real SMTP/SMS/push vendors plug in behind the same interface.

type EmailSender struct {
	log zerolog.Logger
}

func NewEmailSender(log zerolog.Logger) *EmailSender {
	return &EmailSender{log: log}
}

func (s *EmailSender) Channel() models.Channel { return models.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, n *models.Notification) error {
	if n.Email == "" {
		return fmt.Errorf("notification %s has no email address", n.ID)
	}
	if err := simulateProviderCall(ctx, 150*time.Millisecond); err != nil {
		return err
	}
	s.log.Info().
		Str("notification_id", n.ID).
		Str("to", n.Email).
		Str("type", string(n.Type)).
		Msg("email dispatched")
	return nil
}

type SMSSender struct {
	log zerolog.Logger
}

func NewSMSSender(log zerolog.Logger) *SMSSender {
	return &SMSSender{log: log}
}

func (s *SMSSender) Channel() models.Channel { return models.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, n *models.Notification) error {
	if n.MobileNumber == "" {
		return fmt.Errorf("notification %s has no mobile number", n.ID)
	}
	if err := simulateProviderCall(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	s.log.Info().
		Str("notification_id", n.ID).
		Str("to", n.MobileNumber).
		Str("type", string(n.Type)).
		Msg("sms dispatched")
	return nil
}

type PushSender struct {
	log zerolog.Logger
}

func NewPushSender(log zerolog.Logger) *PushSender {
	return &PushSender{log: log}
}

func (s *PushSender) Channel() models.Channel { return models.ChannelPush }

func (s *PushSender) Send(ctx context.Context, n *models.Notification) error {
	if n.DeviceID == "" {
		return fmt.Errorf("notification %s has no device id", n.ID)
	}
	if err := simulateProviderCall(ctx, 120*time.Millisecond); err != nil {
		return err
	}
	s.log.Info().
		Str("notification_id", n.ID).
		Str("device_id", n.DeviceID).
		Str("type", string(n.Type)).
		Msg("push dispatched")
	return nil
}

func simulateProviderCall(ctx context.Context, latency time.Duration) error {
	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
