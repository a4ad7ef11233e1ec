// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package flags caches server-assigned feature flag evaluations.
//
// The cache is read-hot and fetch-cold: flag reads always serve local
// state (persisted across restarts), while Reload fetches a fresh
// evaluation using the locally managed targeting snapshot of person
// and group properties. Failed reloads keep stale values readable.
// Usage-tracked reads emit $feature_flag_called events into the
// shared event queue for exposure accounting, deduplicated per
// key+value per load generation.
package flags
