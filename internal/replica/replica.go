// Package replica assembles a local-first replica: the SQLite-backed
// store, live queries, shape subscriptions and the sync client, wired
// together explicitly.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/live"
	"github.com/roach88/lofi/internal/shape"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/syncclient"
	"github.com/roach88/lofi/internal/transport"
)

// ErrOffline is returned by Start when the replica has no remote.
var ErrOffline = errors.New("replica has no remote configured")

// Options configures Open. Path and Schema are required.
type Options struct {
	Path     string
	Schema   *ir.Schema
	ClientID string // persisted on first open; generated when empty

	// Dialer reaches the remote source. A nil Dialer keeps the replica
	// offline: shapes stay syncing and the log accumulates.
	Dialer      transport.Dialer
	Resolver    syncclient.Resolver
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	UploadBatch int

	Logger *slog.Logger
	Now    func() time.Time
	// NewID generates primary keys for Create calls that omit one.
	// Defaults to UUIDv7 strings.
	NewID func() string
}

// Replica is one local copy of the data.
type Replica struct {
	store  *store.Store
	live   *live.Engine
	shapes *shape.Manager
	client *syncclient.Client
	newID  func() string
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// Open opens (or creates) the replica's store and restores its shapes.
func Open(ctx context.Context, opts Options) (*Replica, error) {
	if opts.Path == "" {
		return nil, errors.New("open replica: path is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = newUUID
	}

	storeOpts := []store.Option{
		store.WithSchema(opts.Schema),
		store.WithLogger(opts.Logger),
		store.WithClientID(opts.ClientID),
	}
	if opts.Now != nil {
		storeOpts = append(storeOpts, store.WithNow(opts.Now))
	}
	s, err := store.Open(opts.Path, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}

	shapes, err := shape.NewManager(ctx, s, shape.WithLogger(opts.Logger))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open replica: %w", err)
	}

	r := &Replica{
		store:  s,
		live:   live.New(s, live.WithLogger(opts.Logger)),
		shapes: shapes,
		newID:  opts.NewID,
		logger: opts.Logger,
	}
	if opts.Dialer != nil {
		clientOpts := []syncclient.Option{
			syncclient.WithLogger(opts.Logger),
			syncclient.WithBackoff(opts.BackoffMin, opts.BackoffMax),
			syncclient.WithUploadBatch(opts.UploadBatch),
		}
		if opts.Resolver != nil {
			clientOpts = append(clientOpts, syncclient.WithResolver(opts.Resolver))
		}
		r.client = syncclient.New(s, shapes, opts.Dialer, clientOpts...)
	}
	return r, nil
}

func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Start runs the sync client in the background until Close.
func (r *Replica) Start(ctx context.Context) error {
	if r.client == nil {
		return ErrOffline
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("replica already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan error, 1)
	go func() { r.done <- r.client.Run(ctx) }()
	return nil
}

// Close stops syncing and closes the store.
func (r *Replica) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	var runErr error
	if cancel != nil {
		cancel()
		runErr = <-done
	}
	if r.client != nil {
		r.client.Close()
	}
	r.live.Close()
	return errors.Join(runErr, r.store.Close())
}

// Store exposes the underlying store.
func (r *Replica) Store() *store.Store {
	return r.store
}

// Shapes exposes the shape manager.
func (r *Replica) Shapes() *shape.Manager {
	return r.shapes
}

// Live exposes the live query engine.
func (r *Replica) Live() *live.Engine {
	return r.live
}

// Connected reports whether the sync client has an open session.
func (r *Replica) Connected() bool {
	return r.client != nil && r.client.Connected()
}

// Table returns a handle on one table. Unknown tables fail on first use.
func (r *Replica) Table(name string) *Table {
	return &Table{r: r, name: name}
}
