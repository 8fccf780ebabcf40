package server

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/protocol"
)

// record is the server copy of one row.
type record struct {
	table   string
	pk      string
	data    ir.IRObject
	deleted bool
	version int64 // LSN of the last write
	ts      int64 // client timestamp of the last write (unix millis)

	// Per-column and whole-row write history, for conflict detection.
	fieldVersion map[string]int64
	fieldWriter  map[string]string
	rowVersion   int64 // LSN of the last insert or delete
	rowWriter    string
}

func (r *record) row() ir.Row {
	return ir.Row{Table: r.table, PK: r.pk, Data: r.data.Clone(), ServerVersion: r.version, Deleted: r.deleted}
}

func (r *record) change() ir.Change {
	if r.deleted {
		return ir.Change{Kind: ir.ChangeDelete, Table: r.table, PK: r.pk, ServerVersion: r.version}
	}
	return ir.Change{Kind: ir.ChangeUpsert, Table: r.table, PK: r.pk, Data: r.data.Clone(), ServerVersion: r.version}
}

// LogEntry is one accepted write in the change log.
type LogEntry struct {
	LSN      int64
	ClientID string
	Change   ir.Change
	Before   *ir.Row // previous state, nil if the row did not exist
}

type dedupKey struct {
	clientID string
	seq      int64
}

// Server is the in-memory remote source.
type Server struct {
	schema *ir.Schema
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lsn      int64
	tables   map[string]map[string]*record
	log      []LogEntry
	results  map[dedupKey]protocol.Result
	sessions map[*session]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithNow sets the wall clock used for server-side writes.
func WithNow(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates an empty server for the schema.
func New(schema *ir.Schema, opts ...Option) (*Server, error) {
	if err := schema.Check(); err != nil {
		return nil, fmt.Errorf("server schema: %w", err)
	}
	s := &Server{
		schema:   schema,
		logger:   slog.Default(),
		now:      time.Now,
		tables:   make(map[string]map[string]*record),
		results:  make(map[dedupKey]protocol.Result),
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range schema.TableNames() {
		s.tables[name] = make(map[string]*record)
	}
	return s, nil
}

// LSN returns the current log sequence number.
func (s *Server) LSN() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lsn
}

// Row returns the server state of a row, tombstones included.
func (s *Server) Row(table, pk string) (ir.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tables[table][pk]
	if !ok {
		return ir.Row{}, false
	}
	return rec.row(), true
}

// Rows returns the live rows of a table ordered by primary key.
func (s *Server) Rows(table string) []ir.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ir.Row{}
	for _, rec := range s.sortedRecords(table) {
		if !rec.deleted {
			out = append(out, rec.row())
		}
	}
	return out
}

// Log returns the change log entries after lsn.
func (s *Server) Log(after int64) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.logAfter(after))
}

func (s *Server) logAfter(after int64) []LogEntry {
	i := sort.Search(len(s.log), func(i int) bool { return s.log[i].LSN > after })
	return s.log[i:]
}

// Put writes a row directly, as a server-side writer identified by writer.
// Used to seed data and to simulate other clients.
func (s *Server) Put(writer string, m ir.Mutation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := ir.OpEntry{Kind: m.Kind, Table: m.Table, PK: m.PK, Fields: m.Data, ClientTS: s.now().UnixMilli()}
	if m.Kind == ir.MutationInsert && e.PK == "" {
		if t, ok := s.schema.Table(m.Table); ok {
			pk, _ := m.Data[t.PrimaryKey].(ir.IRString)
			e.PK = string(pk)
		}
	}
	if rec, ok := s.tables[m.Table][e.PK]; ok {
		e.BaseVersion = rec.version
	}
	res := s.applyEntry(writer, e)
	if res.Status != protocol.StatusAcked {
		return 0, fmt.Errorf("put %s/%s: %s %s", m.Table, e.PK, res.Status, res.Error)
	}
	return res.ServerVersion, nil
}

// Upload processes uploaded entries for a client in order and returns one
// result per entry. A (client, seq) pair seen before returns its first
// result without re-applying.
func (s *Server) Upload(clientID string, entries []ir.OpEntry) []protocol.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadLocked(clientID, entries)
}

func (s *Server) uploadLocked(clientID string, entries []ir.OpEntry) []protocol.Result {
	results := make([]protocol.Result, 0, len(entries))
	for _, e := range entries {
		key := dedupKey{clientID: clientID, seq: e.Seq}
		if res, ok := s.results[key]; ok {
			results = append(results, res)
			continue
		}
		res := s.applyEntry(clientID, e)
		s.results[key] = res
		results = append(results, res)

		switch res.Status {
		case protocol.StatusConflict:
			s.logger.Info("upload conflict",
				"client", clientID, "seq", e.Seq, "table", e.Table, "pk", e.PK,
				"base", e.BaseVersion, "server_version", res.Row.ServerVersion)
		case protocol.StatusRejected:
			s.logger.Warn("upload rejected",
				"client", clientID, "seq", e.Seq, "table", e.Table, "pk", e.PK, "error", res.Error)
		}
	}
	return results
}

// applyEntry validates, checks for conflicts and applies one entry. Called
// with s.mu held.
func (s *Server) applyEntry(clientID string, e ir.OpEntry) protocol.Result {
	res := protocol.Result{Seq: e.Seq}
	rec, exists := s.tables[e.Table][e.PK]
	current := func() *ir.Change {
		if exists {
			c := rec.change()
			return &c
		}
		return &ir.Change{Kind: ir.ChangeDelete, Table: e.Table, PK: e.PK}
	}
	reject := func(format string, args ...any) protocol.Result {
		res.Status = protocol.StatusRejected
		res.Error = fmt.Sprintf(format, args...)
		res.Row = current()
		return res
	}

	ts, ok := s.schema.Table(e.Table)
	if !ok {
		return reject("unknown table %q", e.Table)
	}
	if e.PK == "" {
		return reject("missing primary key")
	}

	if exists {
		if changed, conflict := conflictsWith(rec, clientID, e.BaseVersion); conflict {
			res.Status = protocol.StatusConflict
			res.Row = current()
			res.Conflict = &protocol.Conflict{ServerTS: rec.ts, ChangedFields: changed}
			return res
		}
	}

	var next ir.IRObject
	switch e.Kind {
	case ir.MutationInsert:
		if exists && !rec.deleted {
			return reject("duplicate key %s/%s", e.Table, e.PK)
		}
		if pk, _ := e.Fields[ts.PrimaryKey].(ir.IRString); string(pk) != e.PK {
			return reject("primary key column does not match %q", e.PK)
		}
		if errs := ts.ValidateRow(e.Fields); len(errs) > 0 {
			return reject("%s", ir.JoinValidationErrors(errs))
		}
		next = e.Fields.Clone()
	case ir.MutationUpdate:
		if !exists || rec.deleted {
			return reject("row %s/%s not found", e.Table, e.PK)
		}
		if v, ok := e.Fields[ts.PrimaryKey]; ok && !ir.Equal(v, ir.IRString(e.PK)) {
			return reject("primary key cannot change")
		}
		if errs := ts.ValidatePatch(e.Fields); len(errs) > 0 {
			return reject("%s", ir.JoinValidationErrors(errs))
		}
		next = rec.data.Merge(e.Fields)
	case ir.MutationDelete:
		if !exists || rec.deleted {
			return reject("row %s/%s not found", e.Table, e.PK)
		}
		next = rec.data
	default:
		return reject("unknown kind %q", e.Kind)
	}

	var before *ir.Row
	if exists {
		b := rec.row()
		before = &b
	} else {
		rec = &record{
			table:        e.Table,
			pk:           e.PK,
			fieldVersion: make(map[string]int64),
			fieldWriter:  make(map[string]string),
		}
		s.tables[e.Table][e.PK] = rec
	}

	s.lsn++
	lsn := s.lsn
	switch e.Kind {
	case ir.MutationInsert, ir.MutationDelete:
		rec.rowVersion, rec.rowWriter = lsn, clientID
		for col := range next {
			rec.fieldVersion[col], rec.fieldWriter[col] = lsn, clientID
		}
	case ir.MutationUpdate:
		for col := range e.Fields {
			rec.fieldVersion[col], rec.fieldWriter[col] = lsn, clientID
		}
	}
	rec.data = next
	rec.deleted = e.Kind == ir.MutationDelete
	rec.version = lsn
	rec.ts = e.ClientTS

	entry := LogEntry{LSN: lsn, ClientID: clientID, Change: rec.change(), Before: before}
	s.log = append(s.log, entry)
	s.broadcast(entry)

	res.Status = protocol.StatusAcked
	res.ServerVersion = lsn
	return res
}

// conflictsWith reports whether another client wrote the row after base,
// and which columns it changed.
func conflictsWith(rec *record, clientID string, base int64) ([]string, bool) {
	if rec.version <= base {
		return nil, false
	}
	changed := []string{}
	for col, v := range rec.fieldVersion {
		if v > base && rec.fieldWriter[col] != clientID {
			changed = append(changed, col)
		}
	}
	sort.Strings(changed)
	rowOp := rec.rowVersion > base && rec.rowWriter != clientID
	return changed, rowOp || len(changed) > 0
}

func (s *Server) sortedRecords(table string) []*record {
	recs := make([]*record, 0, len(s.tables[table]))
	for _, rec := range s.tables[table] {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].pk < recs[j].pk })
	return recs
}
