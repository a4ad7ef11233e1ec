// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SDK's SQLite connection pool.
//
// The durable store keeps queued events and cached state in a single
// SQLite database file inside the host application's data directory.
// This package wraps zombiezen.com/go/sqlite with the pragmas that
// setup needs: WAL journaling so the flush path can read while the
// capture path writes, NORMAL synchronous for crash durability
// without per-commit fsync cost, and a busy timeout instead of
// immediate SQLITE_BUSY errors.
//
// It is intentionally thin: Take a connection, write SQL with
// sqlitex.Execute, Put it back. No query builder, no ORM.
package sqlitepool
