// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open with empty path succeeded")
	}
}

func TestOnConnectSchemaAndRoundTrip(t *testing.T) {
	pool, err := Open(Config{
		Path: filepath.Join(t.TempDir(), "sdk.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn,
				"CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT);", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES (?, ?);", &sqlitex.ExecOptions{
		Args: []any{"distinct_id", "user-1"},
	})
	pool.Put(conn)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	conn, err = pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	var got string
	err = sqlitex.Execute(conn, "SELECT v FROM kv WHERE k = ?;", &sqlitex.ExecOptions{
		Args: []any{"distinct_id"},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			got = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "user-1" {
		t.Fatalf("v = %q, want user-1", got)
	}
}

func TestMemoryPathForcesSingleConnection(t *testing.T) {
	pool, err := Open(Config{Path: ":memory:", PoolSize: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := sqlitex.ExecuteScript(conn, "CREATE TABLE t (v INTEGER); INSERT INTO t VALUES (42);", nil); err != nil {
		t.Fatalf("writing to in-memory database: %v", err)
	}
	pool.Put(conn)

	// The same pool connection sees the write back.
	conn, err = pool.Take(context.Background())
	if err != nil {
		t.Fatalf("second Take: %v", err)
	}
	defer pool.Put(conn)
	var got int64
	err = sqlitex.Execute(conn, "SELECT v FROM t", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			got = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if got != 42 {
		t.Fatalf("read %d, want 42", got)
	}
}
