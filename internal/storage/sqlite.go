package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kjstillabower/weather-widget/internal/observability"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS widget_storage (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteStore persists values in a single key/value table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM widget_storage WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		observability.RecordStorageOp(s.Name(), "get", nil)
		return "", false, nil
	}
	observability.RecordStorageOp(s.Name(), "get", err)
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if err := checkKey(key); err != nil {
		observability.RecordStorageOp(s.Name(), "set", err)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO widget_storage(key, value, updated_at) VALUES(?,?,?)`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	observability.RecordStorageOp(s.Name(), "set", err)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Prune deletes values not written since before cutoff and returns how many were removed.
// updated_at is stored as UTC RFC 3339, so string comparison orders by time.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM widget_storage WHERE updated_at < ?`, cutoff.UTC().Format(time.RFC3339))
	observability.RecordStorageOp(s.Name(), "prune", err)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database file is still usable.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
