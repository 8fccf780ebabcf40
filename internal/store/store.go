package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/querysql"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on oplog(table_name, pk)
const currentSchemaVersion = 1

const (
	metaClientID = "client_id"
	metaClock    = "clock"
)

// Store is the Local Store of one replica.
// Uses SQLite with WAL mode and a single connection (single writer).
type Store struct {
	db       *sql.DB
	schema   *ir.Schema
	compiler *querysql.SQLCompiler
	logger   *slog.Logger
	now      func() time.Time
	clock    *Clock
	clientID string

	// mu serializes writers. Held across commit and observer notification.
	mu sync.Mutex

	obsMu     sync.RWMutex
	observers []*observerEntry
	nextObsID int

	closeOnce sync.Once
	closed    bool
}

// Option configures a Store.
type Option func(*options)

type options struct {
	schema   *ir.Schema
	logger   *slog.Logger
	now      func() time.Time
	clientID string
	compiler *querysql.SQLCompiler
}

// WithSchema sets the table schema. Required.
func WithSchema(s *ir.Schema) Option {
	return func(o *options) { o.schema = s }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNow sets the wall clock used for log entry timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithClientID forces the client ID instead of generating one on first open.
// An existing persisted ID is replaced.
func WithClientID(id string) Option {
	return func(o *options) { o.clientID = id }
}

// WithCompiler shares a SQL compiler (and its statement cache).
func WithCompiler(c *querysql.SQLCompiler) Option {
	return func(o *options) { o.compiler = c }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.schema == nil {
		return nil, fmt.Errorf("open store: schema is required")
	}
	if err := o.schema.Check(); err != nil {
		return nil, fmt.Errorf("open store: invalid schema: %w", err)
	}
	if o.compiler == nil {
		o.compiler = querysql.NewSQLCompiler()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:       db,
		schema:   o.schema,
		compiler: o.compiler,
		logger:   o.logger,
		now:      o.now,
	}
	if err := s.loadMeta(o.clientID); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
// Should be called when the store is no longer needed.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Schema returns the table schema the store enforces.
func (s *Store) Schema() *ir.Schema {
	return s.schema
}

// ClientID returns the persistent identity of this replica.
func (s *Store) ClientID() string {
	return s.clientID
}

// Clock returns the store's logical clock position.
func (s *Store) Clock() int64 {
	return s.clock.Current()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the oplog row index for databases created before it was
// part of schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_oplog_row ON oplog(table_name, pk)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// loadMeta reads or initializes the client ID and the logical clock.
func (s *Store) loadMeta(forceClientID string) error {
	clientID, err := s.readMeta(metaClientID)
	if err != nil {
		return err
	}
	switch {
	case forceClientID != "":
		clientID = forceClientID
	case clientID == "":
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate client id: %w", err)
		}
		clientID = id.String()
	}
	if _, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaClientID, clientID); err != nil {
		return fmt.Errorf("write client id: %w", err)
	}
	s.clientID = clientID

	clockStr, err := s.readMeta(metaClock)
	if err != nil {
		return err
	}
	var clock int64
	if clockStr != "" {
		clock, err = strconv.ParseInt(clockStr, 10, 64)
		if err != nil {
			return fmt.Errorf("parse clock %q: %w", clockStr, err)
		}
	}
	s.clock = NewClockAt(clock)
	return nil
}

func (s *Store) readMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, nil
}

// tableSchema resolves a table or returns ErrUnknownTable.
func (s *Store) tableSchema(name string) (*ir.TableSchema, error) {
	t, ok := s.schema.Table(name)
	if !ok {
		return nil, unknownTable(name)
	}
	return t, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// lockWriter acquires the writer lock unless ctx already carries it from an
// enclosing write on this store. The returned context marks ownership.
func (s *Store) lockWriter(ctx context.Context) (context.Context, func(), error) {
	if owner, ok := ctx.Value(writerKey{}).(*Store); ok && owner == s {
		return ctx, func() {}, nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrClosed
	}
	return context.WithValue(ctx, writerKey{}, s), s.mu.Unlock, nil
}

type writerKey struct{}
