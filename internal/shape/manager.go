package shape

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/lofi/internal/queryir"
	"github.com/roach88/lofi/internal/store"
)

// State is the sync state of a shape.
type State string

const (
	StateUnsynced State = "unsynced"
	StateSyncing  State = "syncing"
	StateSynced   State = "synced"
)

// Requester forwards subscription requests to the remote source. Calls must
// not block on the network; a disconnected requester may drop them because
// Active is re-requested on every connect.
type Requester interface {
	RequestSubscribe(key string, s queryir.Shape, cursor int64)
	RequestUnsubscribe(key string)
}

// Request is an active shape as the sync client needs it.
type Request struct {
	Key    string
	Shape  queryir.Shape
	Cursor int64
}

// Manager owns every shape subscription of one replica.
type Manager struct {
	store  *store.Store
	logger *slog.Logger

	mu        sync.Mutex
	shapes    map[string]*entry
	requester Requester
}

type entry struct {
	key    string
	shape  queryir.Shape
	state  State
	cursor int64
	subs   []*Subscription
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRequester sets the requester at construction time.
func WithRequester(r Requester) Option {
	return func(m *Manager) { m.requester = r }
}

// NewManager creates a manager and restores the shapes persisted in the
// store.
func NewManager(ctx context.Context, s *store.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:  s,
		logger: slog.Default(),
		shapes: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	recs, err := s.LoadShapes(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore shapes: %w", err)
	}
	for _, rec := range recs {
		m.shapes[rec.Key] = &entry{
			key:    rec.Key,
			shape:  rec.Shape,
			state:  State(rec.State),
			cursor: rec.Cursor,
		}
		m.logger.Debug("shape restored", "key", rec.Key, "table", rec.Shape.Table, "state", rec.State, "cursor", rec.Cursor)
	}
	return m, nil
}

// SetRequester installs the requester. It replaces any previous one.
func (m *Manager) SetRequester(r Requester) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requester = r
}

// Validate checks a definition against the store schema.
func (m *Manager) Validate(def queryir.Shape) error {
	schema := m.store.Schema()
	errs := queryir.ValidateShape(schema, def)
	if len(errs) == 0 {
		errs = queryir.Validate(schema, queryir.Query{Table: def.Table, Where: def.Where})
	}
	if len(errs) > 0 {
		return &DefinitionError{Table: def.Table, Errors: errs}
	}
	return nil
}

// Sync subscribes to a shape. An invalid definition fails with a
// *DefinitionError and creates nothing. Subscribing to a definition
// equivalent to an active one joins it without a new request.
func (m *Manager) Sync(ctx context.Context, def queryir.Shape) (*Subscription, error) {
	def = def.Normalize()
	if err := m.Validate(def); err != nil {
		return nil, err
	}
	key, err := def.Key()
	if err != nil {
		return nil, fmt.Errorf("shape key: %w", err)
	}

	m.mu.Lock()
	e, ok := m.shapes[key]
	fresh := !ok || e.state == StateUnsynced
	if fresh {
		e = &entry{key: key, shape: def, state: StateSyncing}
		if err := m.persist(ctx, e); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.shapes[key] = e
	}
	sub := newSubscription(m, e)
	if e.state == StateSynced {
		sub.markSynced()
	}
	e.subs = append(e.subs, sub)
	requester, cursor := m.requester, e.cursor
	m.mu.Unlock()

	if fresh {
		m.logger.Debug("shape subscribed", "key", key, "table", def.Table)
		if requester != nil {
			requester.RequestSubscribe(key, def, cursor)
		}
	}
	return sub, nil
}

// State returns the state of a shape by key.
func (m *Manager) State(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.shapes[key]; ok {
		return e.state
	}
	return StateUnsynced
}

// Cursor returns the resume cursor of a shape by key.
func (m *Manager) Cursor(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.shapes[key]; ok {
		return e.cursor
	}
	return 0
}

// Active returns every subscribed shape in key order, for (re)connecting.
func (m *Manager) Active() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.shapes))
	for _, e := range m.shapes {
		out = append(out, Request{Key: e.key, Shape: e.shape, Cursor: e.cursor})
	}
	slices.SortFunc(out, func(a, b Request) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

// SnapshotApplied marks a shape's initial snapshot (or catch-up after a
// reconnect) as fully applied to the store. Waiting subscriptions resolve.
// Unknown keys are ignored.
func (m *Manager) SnapshotApplied(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.shapes[key]
	if !ok || e.state != StateSyncing {
		return nil
	}
	e.state = StateSynced
	for _, sub := range e.subs {
		sub.markSynced()
	}
	m.logger.Debug("shape synced", "key", key, "table", e.shape.Table, "cursor", e.cursor)
	return m.persist(ctx, e)
}

// Advance records the remote position up to which a shape's changes have
// been committed locally. Cursors never move backwards.
func (m *Manager) Advance(ctx context.Context, key string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.shapes[key]
	if !ok || cursor <= e.cursor {
		return nil
	}
	e.cursor = cursor
	return m.persist(ctx, e)
}

// ConnectionLost moves every synced shape back to syncing. Subscriptions
// that already resolved stay resolved.
func (m *Manager) ConnectionLost(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.sortedKeys() {
		e := m.shapes[key]
		if e.state != StateSynced {
			continue
		}
		e.state = StateSyncing
		if err := m.persist(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) unsubscribe(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	e, ok := m.shapes[sub.key]
	if !ok || e != sub.entry {
		m.mu.Unlock()
		return nil
	}
	e.subs = slices.DeleteFunc(e.subs, func(s *Subscription) bool { return s == sub })
	if len(e.subs) > 0 {
		m.mu.Unlock()
		return nil
	}
	e.state = StateUnsynced
	delete(m.shapes, e.key)
	requester := m.requester
	m.mu.Unlock()

	m.logger.Debug("shape unsubscribed", "key", e.key, "table", e.shape.Table)
	if requester != nil {
		requester.RequestUnsubscribe(e.key)
	}
	if err := m.store.DeleteShape(ctx, e.key); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", e.key, err)
	}
	return nil
}

// persist is called with m.mu held.
func (m *Manager) persist(ctx context.Context, e *entry) error {
	err := m.store.SaveShape(ctx, store.ShapeRecord{
		Key:    e.key,
		Shape:  e.shape,
		State:  string(e.state),
		Cursor: e.cursor,
	})
	if err != nil {
		return fmt.Errorf("persist shape %s: %w", e.key, err)
	}
	return nil
}

func (m *Manager) sortedKeys() []string {
	keys := make([]string, 0, len(m.shapes))
	for k := range m.shapes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
