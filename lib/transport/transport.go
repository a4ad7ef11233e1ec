// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"

	"github.com/signalpost/signalpost-go/lib/event"
)

// Status classifies a delivery attempt. The dispatcher branches on
// exactly these three cases.
type Status int

const (
	// Delivered means the collector accepted the batch. The events
	// can be removed from the queue.
	Delivered Status = iota

	// Rejected means the collector refused the batch permanently
	// (malformed payload, bad credential). Retrying would loop
	// forever; the events are dropped and the error logged.
	Rejected

	// TransientFailure means the attempt may succeed later (network
	// error, collector overload). The events stay queued.
	TransientFailure
)

// String returns the status name for logs.
func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case TransientFailure:
		return "transient_failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Result is the outcome of one Send. Err is nil for Delivered and
// carries the cause otherwise.
type Result struct {
	Status Status
	Err    error
}

// Transport is the injected delivery capability. Send must honor ctx
// cancellation and must classify every failure — it never panics and
// never blocks past the context deadline.
type Transport interface {
	Send(ctx context.Context, batch event.Batch) Result
}
