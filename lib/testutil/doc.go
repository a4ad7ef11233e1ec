// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers: channel assertions
// with timeouts and unique identifier generation.
package testutil
