// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package property models event and flag property values as a closed
// union: string, number, bool, list, map, or null.
//
// Decoded JSON and CBOR hand the SDK untyped any values. Rather than
// scattering type assertions across the codebase, everything funnels
// through Value and Map, whose accessors take a default and never
// fail. Normalize converts arbitrary caller-supplied values into the
// union at the capture boundary, so anything persisted or sent on the
// wire is already in canonical form.
package property
