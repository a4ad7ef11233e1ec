// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/signalpost/signalpost-go/lib/event"
	"github.com/signalpost/signalpost-go/lib/store"
)

// Queue is the size-bounded FIFO of pending events, kept twice: an
// in-memory index for fast peeks and the durable store for crash
// recovery. When an Enqueue would exceed the capacity, the oldest
// events are evicted first — the SDK loses stale data rather than
// growing without bound while the collector is unreachable.
//
// The store is written inside the queue mutex so that the index and
// the store agree after every operation. Store writes are local disk,
// never network. A failed persist keeps the event in memory only
// (at risk on crash) rather than failing the capture.
//
// The notify channel (capacity 1) wakes the flush scheduler when new
// events arrive; it selects on Notify() alongside its context.
//
// Thread-safe: all methods may be called concurrently.
type Queue struct {
	mu      sync.Mutex
	events  []event.Event // oldest first
	maxSize int
	dropped uint64
	notify  chan struct{}
	store   store.Store
	logger  *slog.Logger
}

// Config holds the parameters for opening a Queue.
type Config struct {
	// Store is the durable backing. Required.
	Store store.Store

	// MaxSize is the event capacity. Must be positive.
	MaxSize int

	// Logger receives persist-failure warnings. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Open creates a Queue and recovers any events persisted by a
// previous process, in their original insertion order. Blobs that no
// longer decode are deleted and logged rather than wedging startup.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("queue: Store is required")
	}
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("queue: MaxSize must be positive, got %d", cfg.MaxSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		maxSize: cfg.MaxSize,
		notify:  make(chan struct{}, 1),
		store:   cfg.Store,
		logger:  logger,
	}
	if err := q.recover(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// recover reloads the in-memory index from the store. The store is
// the source of truth after a crash between index and store updates.
func (q *Queue) recover(ctx context.Context) error {
	keys, err := q.store.ListKeys(ctx, store.PrefixEvent)
	if err != nil {
		return fmt.Errorf("queue: recovering keys: %w", err)
	}

	for _, key := range keys {
		blob, found, err := q.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("queue: recovering %q: %w", key, err)
		}
		if !found {
			continue
		}
		evt, err := event.UnmarshalStored(blob)
		if err != nil {
			q.logger.Warn("queue: dropping undecodable stored event", "key", key, "error", err)
			if err := q.store.Delete(ctx, key); err != nil {
				q.logger.Warn("queue: deleting undecodable event", "key", key, "error", err)
			}
			continue
		}
		q.events = append(q.events, evt)
	}

	// Recovery may exceed the configured capacity if it shrank
	// between runs; trim from the head.
	for len(q.events) > q.maxSize {
		q.evictOldestLocked(ctx)
	}

	if len(q.events) > 0 {
		q.wake()
	}
	return nil
}

// Enqueue validates, persists, and appends one event. It never blocks
// on network I/O; the only I/O is a local store write. If inserting
// would exceed capacity, the oldest events are evicted (and deleted
// from the store) first.
func (q *Queue) Enqueue(ctx context.Context, evt event.Event) error {
	if evt.Name == "" {
		return event.ErrEmptyName
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.events) >= q.maxSize {
		q.evictOldestLocked(ctx)
	}

	blob, err := evt.MarshalStored()
	if err != nil {
		// Should never happen for a normalized event; keep it
		// in-memory only and say so.
		q.logger.Warn("queue: event not persisted", "uuid", evt.UUID, "error", err)
	} else if err := q.store.Put(ctx, store.PrefixEvent+evt.UUID, blob); err != nil {
		q.logger.Warn("queue: event not persisted", "uuid", evt.UUID, "error", err)
	}

	q.events = append(q.events, evt)
	q.wake()
	return nil
}

// PeekBatch returns up to max of the oldest events without removing
// them. The returned slice is a copy; an in-flight batch stays
// visible to Size but is never double-sent because dispatch is
// single-flight.
func (q *Queue) PeekBatch(max int) []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 || len(q.events) == 0 {
		return nil
	}
	if max > len(q.events) {
		max = len(q.events)
	}
	batch := make([]event.Event, max)
	copy(batch, q.events[:max])
	return batch
}

// Remove deletes the given events from memory and store, after
// confirmed delivery or permanent rejection.
func (q *Queue) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var firstErr error
	kept := q.events[:0]
	for _, evt := range q.events {
		if !idSet[evt.UUID] {
			kept = append(kept, evt)
			continue
		}
		if err := q.store.Delete(ctx, store.PrefixEvent+evt.UUID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("queue: removing %q: %w", evt.UUID, err)
		}
	}
	// Zero the tail so removed events do not pin memory.
	for i := len(kept); i < len(q.events); i++ {
		q.events[i] = event.Event{}
	}
	q.events = kept
	return firstErr
}

// Size returns the number of pending events, in-flight included.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Dropped returns the number of events evicted under capacity
// pressure since the queue opened.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear drops every pending event from memory and store. Used by
// opt-out.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = nil
	if err := q.store.Clear(ctx, store.PrefixEvent); err != nil {
		return fmt.Errorf("queue: clear: %w", err)
	}
	return nil
}

// Notify returns a channel that receives at most one pending signal
// when events arrive. The flush scheduler selects on it.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// evictOldestLocked drops the head event, persisting the eviction.
// Caller holds q.mu (or is in single-threaded recovery).
func (q *Queue) evictOldestLocked(ctx context.Context) {
	if len(q.events) == 0 {
		return
	}
	evicted := q.events[0]
	q.events[0] = event.Event{}
	q.events = q.events[1:]
	q.dropped++

	if err := q.store.Delete(ctx, store.PrefixEvent+evicted.UUID); err != nil {
		q.logger.Warn("queue: evicting stored event", "uuid", evicted.UUID, "error", err)
	}
	q.logger.Debug("queue: evicted oldest event under capacity pressure",
		"uuid", evicted.UUID, "event", evicted.Name)
}

// wake signals the scheduler without blocking. Caller holds q.mu.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
