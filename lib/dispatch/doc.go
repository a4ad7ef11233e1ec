// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch turns queued events into delivered batches.
//
// One goroutine owns all flush work, which gives the single-flight
// guarantee for free: size triggers, the periodic timer, and manual
// Flush calls all funnel into the same loop, and whichever fires
// while a flush is running coalesces into the next pass. Transient
// delivery failures retry the same events with exponential backoff;
// permanent rejections drop them with an error log; shutdown makes
// one final bounded drain attempt.
package dispatch
