// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the captured-event record and the batch
// envelope the SDK sends to the collector.
//
// Events carry two encodings: CBOR (cbor tags) for the durable store,
// and JSON (json tags) for the collector wire format. The wire names
// follow the collector's schema (uuid, event, distinct_id, timestamp,
// properties inside an api_key/batch/sent_at envelope).
package event
