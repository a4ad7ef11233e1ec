// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package exception turns runtime errors into $exception events.
//
// Errors reach the pipeline either automatically, through a
// registered ErrorSource (slog interception or an explicit report
// channel), or manually via CaptureException. Both paths share one
// capture flow: a debounce gate samples exception storms down to one
// event per interval, the error's cause graph is normalized into a
// bounded chain of records with parsed stack frames, and the result
// is assembled into event properties and handed to the event queue.
//
// The pipeline is written to be harmless: any panic inside capture
// or normalization is recovered and logged, and Stop restores any
// global handler an ErrorSource displaced.
package exception
