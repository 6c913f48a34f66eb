package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DefaultRetentionDays is how long an IOC survives without being seen again.
const DefaultRetentionDays = 90

// ErrIOCNotFound is returned when a match references an IOC id that does not exist.
var ErrIOCNotFound = errors.New("ioc not found")

// ErrMatchNotFound is returned when a match id (or its IOC) no longer exists.
var ErrMatchNotFound = errors.New("match not found")

// Store represents the SQLite storage implementation
type Store struct {
	db            *sql.DB
	logger        *zap.SugaredLogger
	now           func() time.Time
	retentionDays int
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetentionDays sets the age after which unseen IOCs are removed.
func WithRetentionDays(days int) Option {
	return func(s *Store) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore opens (creating if needed) the SQLite database at dbPath and
// applies the schema.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	// Ensure target directory exists (e.g., ./data)
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open(sqliteDriver, dbPath+sqliteDSNParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" would otherwise see its own empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:            db,
		logger:        zap.NewNop().Sugar(),
		now:           time.Now,
		retentionDays: DefaultRetentionDays,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// RetentionDays reports the configured retention.
func (s *Store) RetentionDays() int {
	return s.retentionDays
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS iocs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT NOT NULL,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			confidence REAL NOT NULL DEFAULT 0.5,
			context TEXT,
			hit_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(type, value)
		)`,

		// Match history; rows outlive their IOC after retention cleanup.
		`CREATE TABLE IF NOT EXISTS ioc_matches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ioc_id INTEGER NOT NULL,
			matched_at INTEGER NOT NULL,
			log_type TEXT NOT NULL,
			matched_value TEXT NOT NULL,
			context TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_ioc_type_value ON iocs(type, value)`,
		`CREATE INDEX IF NOT EXISTS idx_ioc_last_seen ON iocs(last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_match_timestamp ON ioc_matches(matched_at)`,
		`CREATE INDEX IF NOT EXISTS idx_match_ioc_id ON ioc_matches(ioc_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	if err := s.setupAuditTables(); err != nil {
		return err
	}
	return nil
}

// Reset deletes every IOC, match and cycle audit row.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	rollback := func(e error) error {
		_ = tx.Rollback()
		return e
	}

	for _, table := range []string{"ioc_matches", "iocs", "cycle_audit"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return rollback(fmt.Errorf("failed to clear %s: %w", table, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
