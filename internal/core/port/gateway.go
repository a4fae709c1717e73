package port

import (
	"context"

	"github.com/huddlehq/huddle/internal/core/domain"
)

// SignalingChannel is the persistent duplex transport to the relay. Its
// lifetime spans the whole session, independent of the media connection:
// Disconnect leaves it open, only Cleanup closes it. Send while not open
// fails with domain.ErrTransportUnavailable; messages are never queued or
// retried. Closed is signalled when the transport drops; reconnection is the
// caller's decision.
type SignalingChannel interface {
	Open(ctx context.Context) error
	Send(env domain.Envelope) error
	Incoming() <-chan domain.Envelope
	Closed() <-chan struct{}
	Close() error
}

// ClientGateway delivers envelopes to one connected participant. Implemented
// by the relay's websocket adapter.
type ClientGateway interface {
	ID() string
	Send(env domain.Envelope) error
	Close() error
}
