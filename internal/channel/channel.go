// Package channel holds the delivery capability per medium. Vendor
// integrations live behind the Sender interface; the pipeline only sees
// success or failure.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/careops/notifyd/internal/models"
)

var ErrUnsupportedChannel = errors.New("channel: unsupported channel")

// Sender delivers one notification over a single medium. A nil return means
// the provider accepted the message.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, n *models.Notification) error
}

// Registry resolves a preferred channel to a Sender, falling back to the
// configured default when the preference is empty.
type Registry struct {
	senders        map[models.Channel]Sender
	defaultChannel models.Channel
}

func NewRegistry(defaultChannel models.Channel, senders ...Sender) *Registry {
	r := &Registry{
		senders:        make(map[models.Channel]Sender, len(senders)),
		defaultChannel: defaultChannel,
	}
	for _, s := range senders {
		r.senders[s.Channel()] = s
	}
	return r
}

func (r *Registry) Resolve(preferred models.Channel) (Sender, error) {
	ch := preferred
	if ch == "" {
		ch = r.defaultChannel
	}
	s, ok := r.senders[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch)
	}
	return s, nil
}

func (r *Registry) Default() models.Channel {
	return r.defaultChannel
}
