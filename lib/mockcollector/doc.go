// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package mockcollector is an in-memory stand-in for a Signalpost
// collector. It speaks the SDK's wire protocols exactly — POST
// /batch for event delivery (including compressed bodies) and POST
// /decide for feature flag evaluation — plus admin endpoints for
// seeding flags and inspecting captured events.
//
// The signalpost-mock binary serves it over TCP for local
// development; integration tests mount Handler on an httptest
// server and point a real client at it.
package mockcollector
