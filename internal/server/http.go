package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/roach88/lofi/internal/transport"
)

// Handler serves the sync protocol at /sync and a liveness check at /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Accept(w, r)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		if err := s.Serve(r.Context(), conn); err != nil {
			s.logger.Debug("session ended", "remote", r.RemoteAddr, "error", err)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok lsn=%d\n", s.LSN())
	})
	return mux
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("remote source listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}
	s.Disconnect()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Connect opens an in-memory session and returns the client end.
func (s *Server) Connect() transport.Conn {
	client, srv := transport.Pipe()
	go func() {
		if err := s.Serve(context.Background(), srv); err != nil {
			s.logger.Debug("in-memory session ended", "error", err)
		}
	}()
	return client
}

// Dialer returns a Dialer of in-memory sessions.
func (s *Server) Dialer() transport.Dialer {
	return transport.DialerFunc(func(context.Context) (transport.Conn, error) {
		return s.Connect(), nil
	})
}
