package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"empi/internal/config"
)

// Store manages EMPI persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the database and applies migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.DatabasePath())
}

// OpenPath opens the database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	// Immediate transactions take the write lock at BEGIN, so concurrent
	// writers queue on busy_timeout instead of failing on lock upgrade.
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Tx wraps a database transaction with domain-level mutation helpers.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside an immediate transaction, committing on nil error and
// rolling back otherwise. SQLite serializes writers, so everything inside fn
// observes and produces a consistent snapshot.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTimePtr(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
