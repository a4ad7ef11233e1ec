// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the composed Signalpost SDK: one Client owning
// the durable store, the event queue, the flush scheduler, the
// feature flag cache, and the exception capture pipeline.
//
// Every capture path — Capture, screen views, flag-usage events,
// exceptions — funnels through a single enqueue entry point that
// stamps library metadata and the acting identity, then hands the
// event to the queue. Nothing on that path touches the network;
// delivery is the background scheduler's job. The public API is
// log-and-continue: malformed input and internal failures are logged
// and swallowed rather than surfaced to the host application.
//
// Identity is anonymous by default (a persisted UUIDv7 minted on
// first run) until Identify, and a fresh session id is minted per
// client instance. Opt-out clears the queue, suppresses delivery,
// and persists across restarts.
package client
