package eventbus

import (
	"context"

	"github.com/google/uuid"
	"github.com/isgasho/otto-1/internal/domain"
)

// Stream is one client's duplex transport.
//
// ReadCommand is called from a single reader goroutine. WriteFrame, Ping and Close are called
// from a single writer goroutine. Close must unblock a pending ReadCommand.
// A frame that cannot be decoded is reported as an error wrapping domain.ErrMalformedCommand;
// any other ReadCommand error ends the connection.
type Stream interface {
	ReadCommand() (domain.Command, error)
	WriteFrame(frame domain.Frame) error
	Ping() error
	Close(reason string) error
}

// Subscriber is the broker's view of a connection.
//
// Deliver must not block: it either queues env for the connection and returns true, or returns
// false when the connection cannot accept it, in which case the broker drops the subscriber from
// every channel and calls Evict.
type Subscriber interface {
	ID() uuid.UUID
	Deliver(env domain.Envelope) bool
	Evict(reason string)
}

// BrokerClient is the set of broker operations a connection issues.
type BrokerClient interface {
	Subscribe(ctx context.Context, channel string, sub Subscriber) error
	Unsubscribe(ctx context.Context, channel string, sub Subscriber) error
	Publish(ctx context.Context, env domain.Envelope) error
	Disconnect(id uuid.UUID)
}
