// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue holds pending events between capture and delivery.
//
// The queue is a bounded FIFO with drop-oldest eviction, mirrored to
// the durable store on every mutation. Restart recovery treats the
// store as the source of truth and rebuilds the in-memory index in
// creation order, which preserves at-least-once delivery across
// crashes: an event is gone only after the dispatcher confirms
// delivery (or permanent rejection) and calls Remove.
package queue
