// Package store provides the persistent record layer for tableau.
//
// One Store wraps one SQLite database opened once per engine and shared by
// all transactions. Records, source descriptors, saved query specs, and the
// refresh log live in the same file so cross-table reads stay local.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store wraps the engine database.
type Store struct {
	DB     *sql.DB
	counts *countCache
	newID  func() string
}

// Option customises NewStore.
type Option func(*Store)

// WithIDGenerator overrides the record/log id generator (UUIDv7 default).
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// NewStore wraps an already-opened database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		DB:     db,
		counts: newCountCache(),
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens (or creates) the engine database at path with production-safe
// pragmas and applies the schema. The caller must blank-import a driver
// registered as "sqlite":
//
//	import _ "modernc.org/sqlite"
func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database; keep one.
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := ApplySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return NewStore(db, opts...), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Stats returns aggregate row counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	for _, q := range []struct {
		sql  string
		dest *int
	}{
		{`SELECT COUNT(*) FROM sources`, &st.Sources},
		{`SELECT COUNT(*) FROM records`, &st.Records},
		{`SELECT COUNT(*) FROM queries`, &st.Queries},
		{`SELECT COUNT(*) FROM refresh_log`, &st.RefreshLogs},
	} {
		if err := s.DB.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	return &st, nil
}
