package transport

import (
	"context"
	"sync"

	"github.com/roach88/lofi/internal/protocol"
)

// pipeBuffer is the number of messages queued per direction.
const pipeBuffer = 256

// Pipe returns two connected in-memory Conns. Closing either end closes both.
func Pipe() (Conn, Conn) {
	shared := &pipeState{done: make(chan struct{})}
	ab := make(chan protocol.Message, pipeBuffer)
	ba := make(chan protocol.Message, pipeBuffer)
	return &pipeConn{state: shared, in: ba, out: ab}, &pipeConn{state: shared, in: ab, out: ba}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	state *pipeState
	in    <-chan protocol.Message
	out   chan<- protocol.Message
}

func (p *pipeConn) Send(ctx context.Context, msg protocol.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns queued messages before reporting ErrClosed, so whatever the
// peer sent before closing (such as a final error) is still delivered.
func (p *pipeConn) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return protocol.Message{}, ErrClosed
		}
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
