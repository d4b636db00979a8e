package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// sqliteOperationTimeout bounds each Get and Set. Opening the store is not
// bounded by it: the driver compiles its WASM module on first use, which can
// take far longer on a slow or race-instrumented host.
var sqliteOperationTimeout = 5 * time.Second

// SQLiteStore keeps every key as one row of an embedded SQLite database
// opened in WAL mode.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the write-through path.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS attendsync_kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare sqlite store: %w", err)
		}
	}
	return &SQLiteStore{path: path, db: db}, nil
}

func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	if !ValidKey(key) {
		return nil, false, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM attendsync_kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(key string, value []byte) error {
	if !ValidKey(key) {
		return ErrInvalidInput
	}
	if value == nil {
		value = []byte{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attendsync_kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
