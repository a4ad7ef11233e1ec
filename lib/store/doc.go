// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the SDK's durable persistence layer.
//
// It exposes one small contract (Store) and two implementations: a
// SQLite-backed store for production and an in-memory store for
// tests and filesystem-less platforms. The contract's load-bearing
// guarantee is creation-ordered key listing, which is what lets the
// event queue rebuild its insertion order from disk after a restart
// without trusting lexical key sort.
package store
