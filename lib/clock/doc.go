// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// The SDK's flush scheduler, retry backoff, debounce gate, and flag
// cache all act on timers. Driving them from a Clock interface keeps
// every one of those behaviors testable without real sleeps: tests
// construct a Fake clock, wait for the code under test to register
// its timers with WaitForTimers, and then fire them deterministically
// with Advance.
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	scheduler := dispatch.NewScheduler(..., dispatch.WithClock(c))
//	c.WaitForTimers(1)
//	c.Advance(30 * time.Second) // the periodic flush fires now
//
// Production code passes Real().
package clock
