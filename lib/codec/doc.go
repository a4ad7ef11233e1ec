// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the SDK's persistence encoding: deterministic CBOR.
//
// Events and cached flag state are stored in the durable store as CBOR
// blobs. CBOR is compact, schema-free, and round-trips the polymorphic
// property values (string/number/bool/list/map) without the float64
// flattening that encoding/json applies to integers. The wire format
// sent to the collector is JSON and lives in lib/event; this package
// is only for what the SDK writes to its own store.
package codec
