package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/roach88/lofi/internal/protocol"
)

// maxMessageBytes bounds one frame; snapshots are batched below this.
const maxMessageBytes = 16 << 20

type wsConn struct {
	c *websocket.Conn
}

// NewWebSocketConn wraps an established WebSocket connection.
func NewWebSocketConn(c *websocket.Conn) Conn {
	c.SetReadLimit(maxMessageBytes)
	return &wsConn{c: c}
}

func (w *wsConn) Send(ctx context.Context, msg protocol.Message) error {
	if err := wsjson.Write(ctx, w.c, msg); err != nil {
		return wsError("send", err)
	}
	return nil
}

func (w *wsConn) Recv(ctx context.Context) (protocol.Message, error) {
	var msg protocol.Message
	if err := wsjson.Read(ctx, w.c, &msg); err != nil {
		return protocol.Message{}, wsError("recv", err)
	}
	if err := msg.Validate(); err != nil {
		return protocol.Message{}, fmt.Errorf("recv: %w", err)
	}
	return msg, nil
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

func wsError(op string, err error) error {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// WebSocketDialer dials a remote source's /sync endpoint.
type WebSocketDialer struct {
	URL    string
	Header http.Header
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return NewWebSocketConn(c), nil
}

// Accept upgrades an HTTP request to a Conn.
func Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, fmt.Errorf("accept websocket: %w", err)
	}
	return NewWebSocketConn(c), nil
}
