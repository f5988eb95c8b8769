package interfaces

import (
	"context"

	"iattend/pkg/types"
)

// Publisher fans an envelope out to every subscriber of a channel.
// Publish must never block the caller; a full queue is reported as an error.
type Publisher interface {
	Publish(channel string, envelope types.Envelope) error
}

// EventDispatcher turns domain events into notifications and broadcasts.
// Delivery failures are logged by the implementation and never returned.
type EventDispatcher interface {
	Dispatch(ctx context.Context, events ...types.Event)
}
