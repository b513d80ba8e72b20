// Package relay carries live events from the instance that produced them to
// the hubs that deliver them.
package relay

import (
	"context"

	"festival-live-backend/internal/hub"
)

// Publisher hands an event to every hub that should deliver it.
type Publisher interface {
	Publish(ctx context.Context, ev hub.Event) error
}

// Local publishes straight into the in-process hub. It is used when the
// service runs as a single instance.
type Local struct {
	hub *hub.Hub
}

func NewLocal(h *hub.Hub) *Local {
	return &Local{hub: h}
}

func (l *Local) Publish(_ context.Context, ev hub.Event) error {
	l.hub.PublishEvent(ev)
	return nil
}

var (
	_ Publisher = (*Local)(nil)
	_ Publisher = (*Redis)(nil)
)
