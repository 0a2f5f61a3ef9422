package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is written to PRAGMA user_version. Bump it together with
// schema.sql when the layout changes incompatibly.
const schemaVersion = 1

// DefaultBusyTimeout is how long a connection waits on a locked database
// before SQLite reports SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// Store is the SQLite storage connector: the durable Hi-Lo counters and
// the document table that flushed change sets are written to.
//
// Thread-safety: Store is safe for concurrent use. It holds a single
// connection, so statements from one process are serialized.
type Store struct {
	db          *sql.DB
	backoff     func() retry.Backoff
	busyTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithBackoff replaces the retry policy used when the database is busy.
func WithBackoff(b func() retry.Backoff) Option {
	return func(s *Store) {
		if b != nil {
			s.backoff = b
		}
	}
}

// WithBusyTimeout sets how long SQLite waits for a lock before giving up.
//
// Default: 5s (DefaultBusyTimeout). Non-positive values are ignored.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// Open creates or opens the database at path and brings its schema to the
// current version. Opening the same file again is harmless.
//
// A database written by a newer schema version is refused rather than
// modified.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{backoff: defaultBackoff, busyTimeout: DefaultBusyTimeout}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite3", s.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection: the WAL pragmas are per connection, and SQLite allows
	// a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	s.db = db

	if err := s.prepareSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare schema in %s: %w", path, err)
	}
	return s, nil
}

// dsn encodes the connection pragmas as go-sqlite3 DSN parameters so they
// are applied to every connection the pool opens.
func (s *Store) dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", fmt.Sprint(s.busyTimeout.Milliseconds()))
	q.Set("_foreign_keys", "on")
	return path + "?" + q.Encode()
}

// prepareSchema creates the tables and indexes in one transaction and stamps
// the schema version.
func (s *Store) prepareSchema(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("schema version %d is newer than supported version %d", version, schemaVersion)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema.sql: %w", err)
	}
	if version < schemaVersion {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("write user_version: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database. Closing a Store that never opened is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// verifyPragma checks that a pragma reads back as expected.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
