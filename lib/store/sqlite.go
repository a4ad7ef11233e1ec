// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/signalpost/signalpost-go/lib/sqlitepool"
)

// schema is the single-table layout. seq is an alias for rowid and
// carries creation order; the upsert below deliberately leaves it
// untouched on overwrite so a rewritten key keeps its position.
const schema = `
CREATE TABLE IF NOT EXISTS entries (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	key   TEXT NOT NULL UNIQUE,
	value BLOB NOT NULL
);
`

// SQLiteStore is the production Store: one SQLite database file in
// the host application's data directory.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// SQLiteConfig holds the parameters for opening a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" is accepted for tests.
	Path string

	// Logger receives operational messages. Nil means silent.
	Logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the store database.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &SQLiteStore{pool: pool}, nil
}

// Put writes value under key. Overwrites preserve the key's creation
// order via ON CONFLICT DO UPDATE (a replace would burn a new seq).
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO entries (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value;`,
		&sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

// Get returns the value for key, with presence.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn,
		`SELECT value FROM entries WHERE key = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return value, found, nil
}

// Delete removes key; absent keys are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM entries WHERE key = ?;`,
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// ListKeys returns keys with the prefix in creation (seq) order.
func (s *SQLiteStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var keys []string
	err = sqlitex.Execute(conn,
		`SELECT key FROM entries
		 WHERE substr(key, 1, length(?1)) = ?1
		 ORDER BY seq;`,
		&sqlitex.ExecOptions{
			Args: []any{prefix},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list %q: %w", prefix, err)
	}
	return keys, nil
}

// Clear removes every key with the prefix.
func (s *SQLiteStore) Clear(ctx context.Context, prefix string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM entries WHERE substr(key, 1, length(?1)) = ?1;`,
		&sqlitex.ExecOptions{Args: []any{prefix}})
	if err != nil {
		return fmt.Errorf("store: clear %q: %w", prefix, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}
