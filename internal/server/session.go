package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/protocol"
	"github.com/roach88/lofi/internal/transport"
)

// outboxSize bounds the messages queued for one session. A session that
// falls this far behind is dropped; it resumes from its cursors.
const outboxSize = 4096

var errSlowSession = errors.New("session outbox full")

type session struct {
	conn     transport.Conn
	clientID string
	subs     map[string]*subscription
	out      chan protocol.Message

	closeOnce sync.Once
	done      chan struct{}
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		close(sess.done)
		sess.conn.Close()
	})
}

// enqueue queues a message. Called with the server lock held.
func (sess *session) enqueue(msg protocol.Message) bool {
	select {
	case sess.out <- msg:
		return true
	default:
		sess.close()
		return false
	}
}

// Serve runs one session on conn until the connection ends, ctx is done or
// the session is disconnected. A clean close returns nil.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()

	msg, err := conn.Recv(ctx)
	if err != nil {
		return fmt.Errorf("await hello: %w", err)
	}
	if msg.Type != protocol.TypeHello {
		_ = conn.Send(ctx, protocol.NewError("expected hello, got %s", msg.Type))
		return fmt.Errorf("expected hello, got %s", msg.Type)
	}
	if msg.Hello.ProtocolVersion != ir.ProtocolVersion {
		_ = conn.Send(ctx, protocol.NewError("unsupported protocol version %q", msg.Hello.ProtocolVersion))
		return fmt.Errorf("unsupported protocol version %q", msg.Hello.ProtocolVersion)
	}
	if msg.Hello.ClientID == "" {
		_ = conn.Send(ctx, protocol.NewError("missing client id"))
		return errors.New("missing client id")
	}

	sess := &session{
		conn:     conn,
		clientID: msg.Hello.ClientID,
		subs:     make(map[string]*subscription),
		out:      make(chan protocol.Message, outboxSize),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	sess.enqueue(protocol.NewWelcome(s.lsn))
	s.mu.Unlock()
	s.logger.Info("session opened", "client", sess.clientID)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		sess.close()
		s.logger.Info("session closed", "client", sess.clientID)
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case msg := <-sess.out:
				if err := conn.Send(ctx, msg); err != nil {
					return err
				}
			case <-sess.done:
				return transport.ErrClosed
			case <-ctx.Done():
				flush(sess, conn)
				return ctx.Err()
			}
		}
	})
	g.Go(func() error {
		for {
			msg, err := conn.Recv(ctx)
			if err != nil {
				return err
			}
			if err := s.handle(sess, msg); err != nil {
				s.mu.Lock()
				sess.enqueue(protocol.NewError("%v", err))
				s.mu.Unlock()
				return err
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// flush sends whatever is still queued, such as a final error message.
func flush(sess *session, conn transport.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		select {
		case msg := <-sess.out:
			if err := conn.Send(ctx, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) handle(sess *session, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Type {
	case protocol.TypeSubscribe:
		req := msg.Subscribe
		sub, err := s.newSubscription(req.Key, req.Shape)
		if err != nil {
			return err
		}
		sess.subs[sub.key] = sub

		var changes []ir.Change
		reset := req.Cursor <= 0
		if reset {
			changes = s.snapshot(sub)
		} else {
			changes = s.tail(sub, req.Cursor)
		}
		parts := batches(changes, snapshotBatch)
		for i, part := range parts {
			var cursor int64
			last := i == len(parts)-1
			if last {
				cursor = s.lsn
			}
			msg := protocol.NewChanges(sub.key, part, cursor, last)
			// A snapshot replaces whatever the client holds for the shape.
			msg.Changes.Reset = reset && i == 0
			if !sess.enqueue(msg) {
				return errSlowSession
			}
		}
		s.logger.Debug("shape subscribed",
			"client", sess.clientID, "key", sub.key, "table", sub.shape.Table,
			"cursor", req.Cursor, "changes", len(changes))

	case protocol.TypeUnsubscribe:
		delete(sess.subs, msg.Unsubscribe.Key)

	case protocol.TypeUpload:
		results := s.uploadLocked(sess.clientID, msg.Upload.Entries)
		if !sess.enqueue(protocol.NewUploadResult(results)) {
			return errSlowSession
		}

	default:
		return fmt.Errorf("unexpected %s message", msg.Type)
	}
	return nil
}

// broadcast queues an accepted write for every session whose shapes it
// concerns. Called with s.mu held.
func (s *Server) broadcast(e LogEntry) {
	for sess := range s.sessions {
		keys := make([]string, 0, len(sess.subs))
		for k := range sess.subs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			changes := s.changesFor(sess.subs[k], e)
			if len(changes) == 0 {
				continue
			}
			if !sess.enqueue(protocol.NewChanges(k, changes, e.LSN, false)) {
				s.logger.Warn("dropping slow session", "client", sess.clientID)
				break
			}
		}
	}
}

// Disconnect drops every open session. Clients reconnect and resume.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.close()
	}
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
