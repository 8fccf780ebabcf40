// Package transport carries protocol messages between a sync client and the
// remote source, over WebSocket or an in-memory pipe.
package transport

import (
	"context"
	"errors"

	"github.com/roach88/lofi/internal/protocol"
)

// ErrClosed is returned by Send and Recv on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a bidirectional message stream. Send and Recv may be called
// concurrently with each other, but not with themselves.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Recv(ctx context.Context) (protocol.Message, error)
	Close() error
}

// Dialer opens client connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
