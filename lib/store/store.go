// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "context"

// Store is the durable key/value persistence contract. Keys are
// flat strings namespaced by prefix convention ("event/<uuid>",
// "state/<name>"). Values are opaque blobs — encoding is the
// caller's business.
//
// Two guarantees matter to callers:
//
//   - ListKeys returns keys in creation order, not lexical order.
//     The event queue relies on this to recover insertion order
//     after a restart. Overwriting an existing key keeps its
//     original position.
//   - Every operation is atomic per key. A Put either lands whole
//     or not at all.
//
// Failures are always reported to the caller, never swallowed; the
// caller decides whether the affected item is dropped or retried.
type Store interface {
	// Put writes value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value for key. The bool reports presence; an
	// absent key is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// ListKeys returns all keys with the given prefix, in creation
	// order.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Clear removes every key with the given prefix. An empty
	// prefix clears everything.
	Clear(ctx context.Context, prefix string) error

	// Close releases the backing resources.
	Close() error
}

// Key prefixes used across the SDK. Kept here so the queue, the flag
// cache, and the identity state never collide.
const (
	// PrefixEvent namespaces queued events: "event/<uuid>". UUIDv7
	// keys are time-ordered, but the queue still recovers order from
	// the store's creation order, not from key sort.
	PrefixEvent = "event/"

	// PrefixState namespaces small named state blobs (identity,
	// session, flag cache, targeting properties, opt-out).
	PrefixState = "state/"
)
