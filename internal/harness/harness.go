package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/lofi/internal/compiler"
	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
	"github.com/roach88/lofi/internal/replica"
	"github.com/roach88/lofi/internal/server"
	"github.com/roach88/lofi/internal/shape"
	"github.com/roach88/lofi/internal/syncclient"
	"github.com/roach88/lofi/internal/testutil"
)

// DefaultTimeout bounds each await step.
const DefaultTimeout = 5 * time.Second

// DefaultClientID is the replica id used when a scenario names none.
const DefaultClientID = "client"

// DefaultWriter identifies remote_put writes that name no writer.
const DefaultWriter = "remote"

// Harness runs one scenario against a fresh in-memory replica.
type Harness struct {
	scenario *Scenario
	replica  *replica.Replica
	server   *server.Server
	result   *Result
	logger   *slog.Logger
	timeout  time.Duration

	subs    []*shape.Subscription
	cancels []func()
}

// Option configures Run.
type Option func(*Harness)

// WithLogger routes replica and server logs. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and evaluates its assertions. Each run uses a
// fresh in-memory store, a deterministic clock and sequential primary keys
// so traces are reproducible.
//
// The returned error reports a scenario that could not be set up or a step
// that failed unexpectedly; failed assertions are reported in Result.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: sc,
		result:   NewResult(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout:  sc.Timeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.timeout <= 0 {
		h.timeout = DefaultTimeout
	}

	compiled, err := compiler.Load(sc.Schema)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := compiled.Err(); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := h.open(ctx, compiled.Schema); err != nil {
		return nil, err
	}
	defer h.close()

	for i, step := range sc.Steps {
		if err := h.execute(ctx, i, step); err != nil {
			return h.result, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}

	if err := h.captureState(ctx); err != nil {
		return h.result, err
	}
	for _, msg := range EvaluateAssertions(ctx, h, sc.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) open(ctx context.Context, schema *ir.Schema) error {
	clientID := h.scenario.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	clock := testutil.NewClock(testutil.Epoch, time.Millisecond)
	ids := testutil.NewSequentialIDs(clientID)

	opts := replica.Options{
		Path:       ":memory:",
		Schema:     schema,
		ClientID:   clientID,
		Logger:     h.logger,
		Now:        clock.Now,
		NewID:      ids.Next,
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	}

	if h.scenario.Remote {
		serverClock := testutil.NewClock(testutil.Epoch.Add(-time.Hour), time.Millisecond)
		srv, err := server.New(schema, server.WithLogger(h.logger), server.WithNow(serverClock.Now))
		if err != nil {
			return fmt.Errorf("start remote: %w", err)
		}
		h.server = srv
		opts.Dialer = srv.Dialer()

		resolver, err := syncclient.ResolverFor(syncclient.Strategy(h.scenario.ConflictStrategy))
		if err != nil {
			return err
		}
		opts.Resolver = resolver
	}

	r, err := replica.Open(ctx, opts)
	if err != nil {
		return err
	}
	h.replica = r
	return nil
}

func (h *Harness) close() {
	for _, cancel := range h.cancels {
		cancel()
	}
	if err := h.replica.Close(); err != nil {
		h.logger.Warn("close replica", "error", err)
	}
}

// execute runs one step. A step error that matches ExpectError is part of
// the trace; any other error aborts the run.
func (h *Harness) execute(ctx context.Context, index int, step Step) error {
	i := h.result.AddStepTrace(step.Op, step.Table, stepArgs(step))
	out, err := h.dispatch(ctx, step)
	if err != nil {
		out = nil
	}
	h.result.EndStep(i, out, err)

	switch {
	case step.ExpectError == "" && err != nil:
		return err
	case step.ExpectError != "" && err == nil:
		return fmt.Errorf("expected error containing %q, got none", step.ExpectError)
	case step.ExpectError != "" && !strings.Contains(err.Error(), step.ExpectError):
		return fmt.Errorf("expected error containing %q, got: %w", step.ExpectError, err)
	}
	h.logger.Debug("scenario step completed", "scenario", h.scenario.Name, "step", index, "op", step.Op)
	return nil
}

func (h *Harness) dispatch(ctx context.Context, step Step) (any, error) {
	tbl := h.replica.Table(step.Table)
	switch step.Op {
	case OpCreate:
		row, err := tbl.Create(ctx, step.Data)
		return row.PK, err
	case OpUpdate:
		row, err := tbl.Update(ctx, step.Where, step.Data)
		return row.PK, err
	case OpUpdateMany:
		return tbl.UpdateMany(ctx, step.Where, step.Data)
	case OpDelete:
		row, err := tbl.Delete(ctx, step.Where)
		return row.PK, err
	case OpDeleteMany:
		return tbl.DeleteMany(ctx, step.Where)
	case OpLive:
		return h.live(ctx, tbl, step)
	case OpSync:
		sub, err := tbl.Sync(ctx, replica.SyncOptions{Where: step.Where, Include: step.Include})
		if err != nil {
			return nil, err
		}
		h.subs = append(h.subs, sub)
		return nil, nil
	case OpGC:
		return h.replica.Store().CollectGarbage(ctx)
	case OpConnect:
		return nil, h.replica.Start(ctx)
	case OpDisconnect:
		h.server.Disconnect()
		return nil, nil
	case OpRemotePut:
		return h.remotePut(step)
	case OpAwait:
		return nil, h.await(ctx, tbl, step)
	default:
		return nil, fmt.Errorf("unknown op %q", step.Op)
	}
}

func (h *Harness) live(ctx context.Context, tbl *replica.Table, step Step) (any, error) {
	order, err := queryir.FromOrderBy(step.OrderBy)
	if err != nil {
		return nil, err
	}
	opts := replica.FindOptions{Where: step.Where, OrderBy: order, Limit: step.Limit}

	var (
		initial []string
		cancel  func()
	)
	if step.First {
		var row *ir.Row
		row, cancel, err = tbl.LiveFirst(ctx, opts, func(_ context.Context, row *ir.Row) {
			h.result.AddLiveTrace(step.Name, rowKeys(row))
		})
		initial = rowKeys(row)
	} else {
		var rows []ir.Row
		rows, cancel, err = tbl.LiveMany(ctx, opts, func(_ context.Context, rows []ir.Row) {
			h.result.AddLiveTrace(step.Name, pks(rows))
		})
		initial = pks(rows)
	}
	if err != nil {
		return nil, err
	}
	h.cancels = append(h.cancels, cancel)
	h.result.setLive(step.Name, initial)
	return initial, nil
}

func (h *Harness) remotePut(step Step) (any, error) {
	data, err := ir.ObjectFromGo(step.Data)
	if err != nil {
		return nil, err
	}
	var m ir.Mutation
	switch step.Kind {
	case "", "insert":
		m = ir.Insert(step.Table, data)
	case "update":
		m = ir.Update(step.Table, step.PK, data)
	case "delete":
		m = ir.Delete(step.Table, step.PK)
	}
	writer := step.Writer
	if writer == "" {
		writer = DefaultWriter
	}
	return h.server.Put(writer, m)
}

// await polls until the outbox is empty, every synced shape has its
// snapshot and, when Count is set, Count local rows match Where.
func (h *Harness) await(ctx context.Context, tbl *replica.Table, step Step) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	var last string
	for {
		done, why, err := h.settled(ctx, tbl, step)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		last = why
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("await timed out: %s", last)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Harness) settled(ctx context.Context, tbl *replica.Table, step Step) (bool, string, error) {
	pending, err := h.replica.Store().PendingCount(ctx)
	if err != nil {
		return false, "", err
	}
	if pending > 0 {
		return false, fmt.Sprintf("%d entries pending", pending), nil
	}
	for _, sub := range h.subs {
		select {
		case <-sub.Synced():
		default:
			return false, fmt.Sprintf("shape %s not synced", sub.Key()), nil
		}
	}
	if step.Count != nil {
		rows, err := tbl.FindMany(ctx, replica.FindOptions{Where: step.Where})
		if err != nil {
			return false, "", err
		}
		if len(rows) != *step.Count {
			return false, fmt.Sprintf("%d rows of %s match, want %d", len(rows), step.Table, *step.Count), nil
		}
	}
	return true, "", nil
}

func (h *Harness) captureState(ctx context.Context) error {
	for _, name := range h.replica.Store().Schema().TableNames() {
		rows, err := h.replica.Table(name).FindMany(ctx, replica.FindOptions{})
		if err != nil {
			return fmt.Errorf("capture state: %w", err)
		}
		state := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			state = append(state, ir.ToGo(row.Data).(map[string]any))
		}
		h.result.State[name] = state
	}
	return nil
}

// stepArgs collects the inputs of a step for the trace.
func stepArgs(step Step) map[string]any {
	args := map[string]any{}
	if len(step.Where) > 0 {
		args["where"] = step.Where
	}
	if len(step.Data) > 0 {
		args["data"] = step.Data
	}
	if step.Name != "" {
		args["name"] = step.Name
	}
	if len(step.OrderBy) > 0 {
		order := make(map[string]any, len(step.OrderBy))
		for k, v := range step.OrderBy {
			order[k] = v
		}
		args["order_by"] = order
	}
	if step.Limit > 0 {
		args["limit"] = step.Limit
	}
	if step.First {
		args["first"] = true
	}
	if len(step.Include) > 0 {
		args["include"] = step.Include
	}
	if step.Writer != "" {
		args["writer"] = step.Writer
	}
	if step.Kind != "" {
		args["kind"] = step.Kind
	}
	if step.PK != "" {
		args["pk"] = step.PK
	}
	if step.Count != nil {
		args["count"] = *step.Count
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

func pks(rows []ir.Row) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.PK
	}
	return out
}

func rowKeys(row *ir.Row) []string {
	if row == nil {
		return []string{}
	}
	return []string{row.PK}
}
