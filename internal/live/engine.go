package live

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
	"github.com/roach88/lofi/internal/store"
)

// Callback receives the full ordered result of a query after each change.
// ctx carries the store's writer, so the callback may write to the store by
// passing it along.
type Callback func(ctx context.Context, rows []ir.Row)

// FirstCallback receives the first row of a query, or nil when none match.
type FirstCallback func(ctx context.Context, row *ir.Row)

// Engine is the live query engine of one store.
type Engine struct {
	store  *store.Store
	logger *slog.Logger

	mu     sync.Mutex
	regs   map[string]*registration
	nextID int

	removeObserver func()
}

type registration struct {
	key    string
	query  queryir.Query
	result []ir.Row
	subs   []*subscriber
}

type subscriber struct {
	id        int
	fn        Callback
	cancelled atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine and starts observing the store.
func New(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		logger: slog.Default(),
		regs:   make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.removeObserver = s.AddObserver(e.onChange)
	return e
}

// Close stops observing the store. Existing subscriptions stop receiving
// callbacks.
func (e *Engine) Close() {
	e.removeObserver()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, reg := range e.regs {
		for _, sub := range reg.subs {
			sub.cancelled.Store(true)
		}
	}
	e.regs = make(map[string]*registration)
}

// Subscribe registers cb for the query and returns the current result.
// cancel is idempotent; once it returns, cb is not invoked again (a call
// already running is not interrupted).
func (e *Engine) Subscribe(ctx context.Context, q queryir.Query, cb Callback) (initial []ir.Row, cancel func(), err error) {
	if cb == nil {
		return nil, nil, fmt.Errorf("subscribe: nil callback")
	}
	key, err := q.Key()
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.regs[key]
	if !ok {
		rows, err := e.store.Read(ctx, q)
		if err != nil {
			return nil, nil, fmt.Errorf("subscribe: %w", err)
		}
		reg = &registration{key: key, query: q, result: rows}
		e.regs[key] = reg
		e.logger.Debug("live query registered", "table", q.Table, "key", key)
	}

	e.nextID++
	sub := &subscriber{id: e.nextID, fn: cb}
	reg.subs = append(reg.subs, sub)

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			sub.cancelled.Store(true)
			e.unsubscribe(key, sub.id)
		})
	}
	return slices.Clone(reg.result), cancel, nil
}

// SubscribeFirst is Subscribe with limit 1, delivering the first row or nil.
func (e *Engine) SubscribeFirst(ctx context.Context, q queryir.Query, cb FirstCallback) (*ir.Row, func(), error) {
	if cb == nil {
		return nil, nil, fmt.Errorf("subscribe: nil callback")
	}
	q.Limit = 1
	rows, cancel, err := e.Subscribe(ctx, q, func(ctx context.Context, rows []ir.Row) {
		cb(ctx, first(rows))
	})
	if err != nil {
		return nil, nil, err
	}
	return first(rows), cancel, nil
}

// Len returns the number of distinct registered queries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.regs)
}

// Subscribers returns the number of subscribers sharing the query's
// registration.
func (e *Engine) Subscribers(q queryir.Query) int {
	key, err := q.Key()
	if err != nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if reg, ok := e.regs[key]; ok {
		return len(reg.subs)
	}
	return 0
}

func (e *Engine) unsubscribe(key string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.regs[key]
	if !ok {
		return
	}
	reg.subs = slices.DeleteFunc(reg.subs, func(s *subscriber) bool { return s.id == id })
	if len(reg.subs) == 0 {
		delete(e.regs, key)
		e.logger.Debug("live query released", "table", reg.query.Table, "key", key)
	}
}

type delivery struct {
	rows []ir.Row
	subs []*subscriber
}

// onChange re-evaluates every registration touched by the change set and
// notifies its subscribers. Callbacks run without the engine lock held.
func (e *Engine) onChange(ctx context.Context, cs store.ChangeSet) {
	e.mu.Lock()
	keys := make([]string, 0, len(e.regs))
	for key, reg := range e.regs {
		if cs.Touches(reg.query.Table) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	var deliveries []delivery
	for _, key := range keys {
		reg := e.regs[key]
		rows, err := e.store.Read(ctx, reg.query)
		if err != nil {
			e.logger.Error("live query re-evaluation failed",
				"table", reg.query.Table,
				"key", key,
				"error", err)
			continue
		}
		reg.result = rows
		deliveries = append(deliveries, delivery{rows: rows, subs: slices.Clone(reg.subs)})
	}
	e.mu.Unlock()

	for _, d := range deliveries {
		for _, sub := range d.subs {
			if sub.cancelled.Load() {
				continue
			}
			sub.fn(ctx, slices.Clone(d.rows))
		}
	}
}

func first(rows []ir.Row) *ir.Row {
	if len(rows) == 0 {
		return nil
	}
	r := rows[0]
	return &r
}
