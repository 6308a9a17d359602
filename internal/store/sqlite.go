// ABOUTME: SQLite backend storing documents as rows using modernc.org/sqlite
// ABOUTME: Alternative to the file backend for hosts that prefer a single database file

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps every document in a single table.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens (or creates) the database at path.
// Use ":memory:" for tests.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps :memory: databases shared and matches the
	// single-writer model of the store.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	b := &SQLiteBackend{db: db, logger: logger}
	if err := b.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if path != ":memory:" {
		if err := os.Chmod(path, fileMode); err != nil {
			logger.Warn("could not restrict database permissions", "path", path, "error", err)
		}
	}

	logger.Info("SQLite backend initialized", "path", path)
	return b, nil
}

func (b *SQLiteBackend) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			key        TEXT PRIMARY KEY,
			data       BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	_, err := b.db.Exec(schema)
	return err
}

// Get returns the document bytes for key.
func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}
	return data, nil
}

// Put upserts the document for key.
func (b *SQLiteBackend) Put(ctx context.Context, key string, data []byte) error {
	query := `
		INSERT INTO documents (key, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`
	_, err := b.db.ExecContext(ctx, query, key, data, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting document: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
