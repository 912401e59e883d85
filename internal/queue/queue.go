// Package queue moves keyed messages between pipeline stages. Senders
// preserve order per key; receivers hand messages to a Handler one at a time
// and only acknowledge a message once its handler returned nil, so a message
// whose handler failed is redelivered by the transport.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send on a sender that was closed.
var ErrClosed = errors.New("queue closed")

type Message struct {
	Key   string
	Value []byte
}

type Handler func(ctx context.Context, msg Message) error

type Sender interface {
	Send(ctx context.Context, key string, value []byte) error
	Close() error
}

// Receiver consumes messages until ctx is done or a handler fails. A
// handler error is returned unacknowledged.
type Receiver interface {
	Receive(ctx context.Context, handler Handler) error
	Close() error
}
