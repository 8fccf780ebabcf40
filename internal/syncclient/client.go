package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/protocol"
	"github.com/roach88/lofi/internal/queryir"
	"github.com/roach88/lofi/internal/shape"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/transport"
)

// ErrNetworkUnavailable wraps every failure to reach or stay connected to
// the remote source. Run retries it with backoff.
var ErrNetworkUnavailable = errors.New("network unavailable")

// errRemote is returned when the remote sends an error message.
var errRemote = errors.New("remote error")

const (
	DefaultBackoffMin  = 100 * time.Millisecond
	DefaultBackoffMax  = 30 * time.Second
	DefaultUploadBatch = 100

	outboxSize = 1024
)

// Client keeps one replica's store in sync with a remote source.
type Client struct {
	store    *store.Store
	shapes   *shape.Manager
	dialer   transport.Dialer
	resolver Resolver
	logger   *slog.Logger

	backoffMin  time.Duration
	backoffMax  time.Duration
	uploadBatch int

	kick           chan struct{}
	removeObserver func()

	mu   sync.Mutex
	sess *session
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithResolver sets the conflict resolver. Defaults to LastWriterWins.
func WithResolver(r Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.backoffMin, c.backoffMax = min, max
	}
}

// WithUploadBatch sets the maximum number of entries per upload.
func WithUploadBatch(n int) Option {
	return func(c *Client) { c.uploadBatch = n }
}

// New creates a client and registers it as the shape manager's requester.
// Close releases the store observer it installs.
func New(s *store.Store, shapes *shape.Manager, dialer transport.Dialer, opts ...Option) *Client {
	c := &Client{
		store:       s,
		shapes:      shapes,
		dialer:      dialer,
		resolver:    LastWriterWins{},
		logger:      slog.Default(),
		backoffMin:  DefaultBackoffMin,
		backoffMax:  DefaultBackoffMax,
		uploadBatch: DefaultUploadBatch,
		kick:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backoffMin <= 0 {
		c.backoffMin = DefaultBackoffMin
	}
	if c.backoffMax < c.backoffMin {
		c.backoffMax = c.backoffMin
	}
	if c.uploadBatch <= 0 {
		c.uploadBatch = DefaultUploadBatch
	}
	c.removeObserver = s.AddObserver(func(_ context.Context, cs store.ChangeSet) {
		if cs.Origin == store.OriginLocal && !cs.Empty() {
			c.wake()
		}
	})
	shapes.SetRequester(c)
	return c
}

// Close detaches the client from the store. It does not stop Run.
func (c *Client) Close() {
	c.removeObserver()
}

// Connected reports whether a session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

func (c *Client) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run syncs until ctx is done, reconnecting after every lost session.
// It returns nil once ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		established, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			attempt = 0
		}
		attempt++
		reconnectsTotal.Inc()
		if lostErr := c.shapes.ConnectionLost(ctx); lostErr != nil && ctx.Err() == nil {
			return fmt.Errorf("mark shapes syncing: %w", lostErr)
		}

		delay := c.backoff(attempt)
		c.logger.Warn("sync session ended", "error", err, "attempt", attempt, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// backoff doubles from backoffMin for each consecutive failed attempt,
// capped at backoffMax.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffMin
	for i := 1; i < attempt && d < c.backoffMax; i++ {
		d *= 2
	}
	return min(d, c.backoffMax)
}

type session struct {
	conn transport.Conn
	out  chan protocol.Message
	// results receives one signal per processed upload_result.
	results chan struct{}
	// snapshots collects, per shape key, the rows delivered so far by a
	// full snapshot. Only the read loop touches it.
	snapshots map[string]map[string]map[string]bool
}

// enqueue queues a message without blocking. A full outbox ends the
// session; the next one re-requests everything it needs.
func (sess *session) enqueue(msg protocol.Message) bool {
	select {
	case sess.out <- msg:
		return true
	default:
		sess.conn.Close()
		return false
	}
}

// runSession dials, handshakes and syncs until the connection fails.
// established reports whether the handshake completed.
func (c *Client) runSession(ctx context.Context) (established bool, err error) {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: dial: %v", ErrNetworkUnavailable, err)
	}
	defer conn.Close()

	if err := conn.Send(ctx, protocol.NewHello(c.store.ClientID())); err != nil {
		return false, fmt.Errorf("%w: send hello: %v", ErrNetworkUnavailable, err)
	}
	msg, err := conn.Recv(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: await welcome: %v", ErrNetworkUnavailable, err)
	}
	switch msg.Type {
	case protocol.TypeWelcome:
	case protocol.TypeError:
		return false, fmt.Errorf("%w: %s", errRemote, msg.Error.Message)
	default:
		return false, fmt.Errorf("expected welcome, got %s", msg.Type)
	}

	// Entries sent on a previous connection may never have been answered.
	if _, err := c.store.ResetSent(ctx); err != nil {
		return true, err
	}

	sess := &session{
		conn:    conn,
		out:     make(chan protocol.Message, outboxSize),
		results: make(chan struct{}, 1),

		snapshots: make(map[string]map[string]map[string]bool),
	}
	c.mu.Lock()
	c.sess = sess
	for _, req := range c.shapes.Active() {
		sess.enqueue(protocol.NewSubscribe(req.Key, req.Shape, req.Cursor))
	}
	c.mu.Unlock()
	connected.Set(1)
	c.logger.Info("sync session established",
		"client", c.store.ClientID(), "server_version", msg.Welcome.ServerVersion)

	defer func() {
		c.mu.Lock()
		if c.sess == sess {
			c.sess = nil
		}
		c.mu.Unlock()
		connected.Set(0)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(gctx, sess) })
	g.Go(func() error { return c.readLoop(gctx, sess) })
	g.Go(func() error { return c.uploadLoop(gctx, sess) })
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	return true, g.Wait()
}

func (c *Client) writeLoop(ctx context.Context, sess *session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-sess.out:
			if err := sess.conn.Send(ctx, msg); err != nil {
				return fmt.Errorf("%w: send %s: %v", ErrNetworkUnavailable, msg.Type, err)
			}
		}
	}
}

// readLoop handles server messages strictly in arrival order: the remote
// sends a row's changes before the upload result that acknowledges them.
func (c *Client) readLoop(ctx context.Context, sess *session) error {
	for {
		msg, err := sess.conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("%w: receive: %v", ErrNetworkUnavailable, err)
		}
		switch msg.Type {
		case protocol.TypeChanges:
			if err := c.applyChanges(ctx, sess, msg.Changes); err != nil {
				return err
			}
		case protocol.TypeUploadResult:
			if err := c.applyResults(ctx, msg.UploadResult.Results); err != nil {
				return err
			}
			select {
			case sess.results <- struct{}{}:
			default:
			}
		case protocol.TypeError:
			return fmt.Errorf("%w: %s", errRemote, msg.Error.Message)
		default:
			c.logger.Warn("unexpected message from remote", "type", msg.Type)
		}
	}
}

func (c *Client) applyChanges(ctx context.Context, sess *session, batch *protocol.Changes) error {
	if batch.Reset {
		sess.snapshots[batch.Key] = make(map[string]map[string]bool)
	}
	if present, ok := sess.snapshots[batch.Key]; ok {
		for _, ch := range batch.Changes {
			if present[ch.Table] == nil {
				present[ch.Table] = make(map[string]bool)
			}
			present[ch.Table][ch.PK] = true
		}
	}
	if len(batch.Changes) > 0 {
		cs, err := c.store.ApplyRemote(ctx, batch.Changes)
		if err != nil {
			return fmt.Errorf("apply changes for shape %s: %w", batch.Key, err)
		}
		changesAppliedTotal.Add(float64(len(cs.Changes)))
		if len(cs.Rejected) > 0 {
			rejectionsTotal.Add(float64(len(cs.Rejected)))
		}
	}
	if present, ok := sess.snapshots[batch.Key]; ok && batch.UpToDate {
		delete(sess.snapshots, batch.Key)
		cs, err := c.store.PruneShape(ctx, batch.Key, present)
		if err != nil {
			return fmt.Errorf("prune shape %s: %w", batch.Key, err)
		}
		if n := len(cs.Changes); n > 0 {
			changesAppliedTotal.Add(float64(n))
			c.logger.Debug("pruned rows missing from snapshot", "key", batch.Key, "rows", n)
		}
	}
	if batch.Cursor > 0 {
		if err := c.shapes.Advance(ctx, batch.Key, batch.Cursor); err != nil {
			return err
		}
	}
	if batch.UpToDate {
		return c.shapes.SnapshotApplied(ctx, batch.Key)
	}
	return nil
}

// uploadLoop drains the operation log, one batch in flight at a time.
func (c *Client) uploadLoop(ctx context.Context, sess *session) error {
	for {
		entries, err := c.store.PendingEntries(ctx, c.uploadBatch)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			c.updatePending(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.kick:
				continue
			}
		}

		seqs := make([]int64, len(entries))
		for i, e := range entries {
			seqs[i] = e.Seq
		}
		if err := c.store.MarkSent(ctx, seqs...); err != nil {
			return err
		}
		if !sess.enqueue(protocol.NewUpload(entries)) {
			return fmt.Errorf("%w: outbox full", ErrNetworkUnavailable)
		}
		uploadsTotal.Inc()
		entriesUploadedTotal.Add(float64(len(entries)))
		c.logger.Debug("uploaded entries", "count", len(entries), "first", seqs[0], "last", seqs[len(seqs)-1])

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.results:
		}
	}
}

func (c *Client) updatePending(ctx context.Context) {
	if n, err := c.store.PendingCount(ctx); err == nil {
		pendingEntries.Set(float64(n))
	}
}

func (c *Client) applyResults(ctx context.Context, results []protocol.Result) error {
	for _, res := range results {
		var err error
		switch res.Status {
		case protocol.StatusAcked:
			acksTotal.Inc()
			err = c.store.MarkAcked(ctx, res.Seq, res.ServerVersion)
		case protocol.StatusRejected:
			rejectionsTotal.Inc()
			_, err = c.store.MarkRejected(ctx, res.Seq, res.Error, serverRow(res))
		case protocol.StatusConflict:
			err = c.resolve(ctx, res)
		default:
			c.logger.Warn("unknown upload result status", "seq", res.Seq, "status", res.Status)
		}
		if err != nil {
			return fmt.Errorf("upload result %d: %w", res.Seq, err)
		}
	}
	c.updatePending(ctx)
	return nil
}

func serverRow(res protocol.Result) ir.Change {
	if res.Row != nil {
		return *res.Row
	}
	return ir.Change{Kind: ir.ChangeDelete}
}

// resolve settles a conflicting entry: the server state replaces the local
// row, then whatever the resolver keeps is re-applied as a new local
// mutation.
func (c *Client) resolve(ctx context.Context, res protocol.Result) error {
	entry, err := c.store.Entry(ctx, res.Seq)
	if store.IsNotFound(err) {
		// Already superseded by a remote delete.
		return nil
	}
	if err != nil {
		return err
	}

	conflict := Conflict{Entry: entry, Server: serverRow(res)}
	conflict.Server.Table, conflict.Server.PK = entry.Table, entry.PK
	if res.Conflict != nil {
		conflict.ServerTS = res.Conflict.ServerTS
		conflict.ChangedFields = res.Conflict.ChangedFields
	}
	local, err := c.store.Get(ctx, entry.Table, entry.PK)
	switch {
	case err == nil:
		conflict.Local = &local
	case !store.IsNotFound(err):
		return err
	}

	resolution := c.resolver.Resolve(conflict)
	winner := "remote"
	if resolution.LocalWins() {
		winner = "local"
	}
	conflictsTotal.WithLabelValues(winner).Inc()
	c.logger.Info("conflict resolved",
		"seq", entry.Seq,
		"table", entry.Table,
		"pk", entry.PK,
		"winner", winner,
		"changed_fields", conflict.ChangedFields)

	if _, err := c.store.MarkRejected(ctx, entry.Seq, "conflict", conflict.Server); err != nil {
		return err
	}
	if !resolution.LocalWins() {
		return nil
	}
	if err := c.reapply(ctx, conflict, resolution); err != nil {
		// The row already holds the server state; a local write that no
		// longer applies is dropped.
		if store.IsConstraintViolation(err) || store.IsNotFound(err) {
			c.logger.Warn("conflict resolution not re-applied",
				"seq", entry.Seq, "table", entry.Table, "pk", entry.PK, "error", err)
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) reapply(ctx context.Context, conflict Conflict, resolution Resolution) error {
	table, pk := conflict.Entry.Table, conflict.Entry.PK
	current, err := c.store.Get(ctx, table, pk)
	live := err == nil
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	var m ir.Mutation
	switch {
	case resolution.Delete:
		if !live {
			return nil
		}
		m = ir.Delete(table, pk)
	case live:
		patch := ir.IRObject{}
		for col, v := range resolution.Fields {
			if !ir.Equal(current.Get(col), v) {
				patch[col] = v
			}
		}
		if len(patch) == 0 {
			return nil
		}
		m = ir.Update(table, pk, patch)
	default:
		data := resolution.Fields.Clone()
		if conflict.Local != nil {
			data = conflict.Local.Data.Merge(resolution.Fields)
		}
		m = ir.Mutation{Kind: ir.MutationInsert, Table: table, PK: pk, Data: data}
	}
	_, err = c.store.Apply(ctx, m)
	return err
}

// RequestSubscribe implements shape.Requester.
func (c *Client) RequestSubscribe(key string, def queryir.Shape, cursor int64) {
	c.send(protocol.NewSubscribe(key, def, cursor))
}

// RequestUnsubscribe implements shape.Requester.
func (c *Client) RequestUnsubscribe(key string) {
	c.send(protocol.NewUnsubscribe(key))
}

// send queues msg on the open session. While offline the message is
// dropped; the next session re-requests every active shape.
func (c *Client) send(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		c.sess.enqueue(msg)
	}
}

var _ shape.Requester = (*Client)(nil)
