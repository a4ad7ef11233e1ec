// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package flags

import "sync"

// registry is an ordered observer list for "flags loaded"
// notifications. Subscribers are notified synchronously in
// subscription order; a subscriber may unsubscribe itself (or
// others) during notification without affecting the pass already in
// progress.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	order  []uint64
	subs   map[uint64]func()
}

func newRegistry() *registry {
	return &registry{subs: make(map[uint64]func())}
}

// add registers a callback and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (r *registry) add(callback func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.order = append(r.order, id)
	r.subs[id] = callback

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
		for i, existing := range r.order {
			if existing == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
}

// notify calls every currently subscribed callback in order. The
// subscriber snapshot is taken up front, so unsubscribing during the
// pass only affects later passes; a snapshot entry that has since
// unsubscribed is skipped.
func (r *registry) notify() {
	r.mu.Lock()
	snapshot := append([]uint64(nil), r.order...)
	r.mu.Unlock()

	for _, id := range snapshot {
		r.mu.Lock()
		callback := r.subs[id]
		r.mu.Unlock()
		if callback != nil {
			callback()
		}
	}
}
