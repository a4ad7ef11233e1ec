// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/signalpost/signalpost-go/lib/event"
	"github.com/signalpost/signalpost-go/lib/store"
	"github.com/signalpost/signalpost-go/lib/testutil"
)

var testTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func openQueue(t *testing.T, backing store.Store, maxSize int) *Queue {
	t.Helper()
	q, err := Open(context.Background(), Config{
		Store:   backing,
		MaxSize: maxSize,
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q
}

func capture(t *testing.T, q *Queue, name string) event.Event {
	t.Helper()
	evt, err := event.New(name, "user-1", testTime, nil)
	if err != nil {
		t.Fatalf("event.New(%s): %v", name, err)
	}
	if err := q.Enqueue(context.Background(), evt); err != nil {
		t.Fatalf("Enqueue(%s): %v", name, err)
	}
	return evt
}

func names(events []event.Event) []string {
	out := make([]string, len(events))
	for i, evt := range events {
		out[i] = evt.Name
	}
	return out
}

func TestEnqueueRejectsEmptyName(t *testing.T) {
	q := openQueue(t, store.NewMemory(), 10)
	err := q.Enqueue(context.Background(), event.Event{UUID: "x"})
	if err != event.ErrEmptyName {
		t.Fatalf("err = %v, want ErrEmptyName", err)
	}
	if q.Size() != 0 {
		t.Fatalf("size = %d after rejected enqueue", q.Size())
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	backing := store.NewMemory()
	q := openQueue(t, backing, 3)

	for _, name := range []string{"A", "B", "C", "D"} {
		capture(t, q, name)
	}

	got := names(q.PeekBatch(10))
	if !reflect.DeepEqual(got, []string{"B", "C", "D"}) {
		t.Fatalf("queue contents = %v, want [B C D]", got)
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}

	// The eviction must also be persisted.
	keys, err := backing.ListKeys(context.Background(), store.PrefixEvent)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("stored keys = %d, want 3", len(keys))
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := openQueue(t, store.NewMemory(), 10)
	capture(t, q, "A")
	capture(t, q, "B")

	first := q.PeekBatch(1)
	if len(first) != 1 || first[0].Name != "A" {
		t.Fatalf("PeekBatch(1) = %v", names(first))
	}
	if q.Size() != 2 {
		t.Fatalf("size after peek = %d, want 2", q.Size())
	}
	again := q.PeekBatch(5)
	if !reflect.DeepEqual(names(again), []string{"A", "B"}) {
		t.Fatalf("second peek = %v", names(again))
	}
}

func TestRemoveDeletesMemoryAndStore(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemory()
	q := openQueue(t, backing, 10)

	a := capture(t, q, "A")
	capture(t, q, "B")
	c := capture(t, q, "C")

	if err := q.Remove(ctx, []string{a.UUID, c.UUID}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := names(q.PeekBatch(10)); !reflect.DeepEqual(got, []string{"B"}) {
		t.Fatalf("after remove: %v", got)
	}
	keys, _ := backing.ListKeys(ctx, store.PrefixEvent)
	if len(keys) != 1 {
		t.Fatalf("stored keys after remove = %v", keys)
	}
}

func TestClearDropsEverything(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemory()
	q := openQueue(t, backing, 10)
	capture(t, q, "A")
	capture(t, q, "B")

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if q.Size() != 0 {
		t.Fatalf("size after clear = %d", q.Size())
	}
	keys, _ := backing.ListKeys(ctx, store.PrefixEvent)
	if len(keys) != 0 {
		t.Fatalf("stored keys after clear = %v", keys)
	}
}

func TestRecoveryPreservesInsertionOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdk.db")
	backing, err := store.OpenSQLite(store.SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	q := openQueue(t, backing, 10)
	original := []event.Event{
		capture(t, q, "first"),
		capture(t, q, "second"),
		capture(t, q, "third"),
	}
	if err := backing.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulated restart: new store handle, new queue.
	reopened, err := store.OpenSQLite(store.SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	recovered := openQueue(t, reopened, 10)

	got := recovered.PeekBatch(10)
	if !reflect.DeepEqual(got, original) {
		t.Fatalf("recovered events differ:\n got %v\nwant %v", got, original)
	}

	// Recovery with pending events must wake the scheduler.
	testutil.RequireReceive(t, recovered.Notify(), time.Second, "recovery notify")
}

func TestRecoveryTrimsToCapacity(t *testing.T) {
	backing := store.NewMemory()
	q := openQueue(t, backing, 10)
	for _, name := range []string{"A", "B", "C", "D", "E"} {
		capture(t, q, name)
	}

	shrunk := openQueue(t, backing, 2)
	got := names(shrunk.PeekBatch(10))
	if !reflect.DeepEqual(got, []string{"D", "E"}) {
		t.Fatalf("after shrink recovery: %v", got)
	}
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemory()
	q := openQueue(t, backing, 1000)

	const goroutines = 8
	const perGoroutine = 50
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				evt, err := event.New(testutil.UniqueID("concurrent"), "user-1", testTime, nil)
				if err != nil {
					t.Errorf("event.New: %v", err)
					return
				}
				if err := q.Enqueue(ctx, evt); err != nil {
					t.Errorf("Enqueue: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if q.Size() != goroutines*perGoroutine {
		t.Fatalf("size = %d, want %d", q.Size(), goroutines*perGoroutine)
	}

	// The store's creation order must match the in-memory order
	// exactly — this is what a restart would recover.
	keys, err := backing.ListKeys(ctx, store.PrefixEvent)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	inMemory := q.PeekBatch(goroutines * perGoroutine)
	if len(keys) != len(inMemory) {
		t.Fatalf("store has %d events, memory has %d", len(keys), len(inMemory))
	}
	for i, evt := range inMemory {
		if keys[i] != store.PrefixEvent+evt.UUID {
			t.Fatalf("order diverges at %d: store %q, memory %q", i, keys[i], evt.UUID)
		}
	}
}

func TestNotifySignalsOnEnqueue(t *testing.T) {
	q := openQueue(t, store.NewMemory(), 10)
	capture(t, q, "A")
	testutil.RequireReceive(t, q.Notify(), time.Second, "enqueue notify")
}
