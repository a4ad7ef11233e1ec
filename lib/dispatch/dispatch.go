// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalpost/signalpost-go/lib/clock"
	"github.com/signalpost/signalpost-go/lib/event"
	"github.com/signalpost/signalpost-go/lib/queue"
	"github.com/signalpost/signalpost-go/lib/transport"
)

// Default retry policy: attempt delay doubles from the base on each
// consecutive transient failure, capped at the max, reset on success.
const (
	DefaultRetryBase = 1 * time.Second
	DefaultRetryMax  = 30 * time.Second
)

// drainTimeout bounds the final delivery attempt during Close.
const drainTimeout = 5 * time.Second

// Config holds the parameters for a Scheduler.
type Config struct {
	// Queue is the pending-event source. Required.
	Queue *queue.Queue

	// Transport delivers batches. Required.
	Transport transport.Transport

	// APIKey is the project credential stamped on every envelope.
	APIKey string

	// FlushAt is the queue size that triggers an automatic flush.
	// Must be positive.
	FlushAt int

	// FlushInterval is the periodic flush timer. Must be positive.
	FlushInterval time.Duration

	// MaxBatchSize caps the events per envelope. Must be positive.
	MaxBatchSize int

	// RetryBase and RetryMax bound the exponential backoff after
	// transient failures. Zero means the defaults.
	RetryBase time.Duration
	RetryMax  time.Duration

	// Clock provides timers. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives flush diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Scheduler drives the batch dispatcher from three triggers — queue
// size, a periodic timer, and manual Flush calls — with a single
// background goroutine. Running all flush work on one goroutine is
// what makes flushing single-flight: concurrent triggers coalesce
// into the goroutine's next loop iteration instead of racing.
//
// Enqueue-side callers never block: triggers are capacity-1 channel
// sends that drop when a signal is already pending.
type Scheduler struct {
	queue     *queue.Queue
	transport transport.Transport
	apiKey    string

	flushAt       int
	flushInterval time.Duration
	maxBatchSize  int
	retryBase     time.Duration
	retryMax      time.Duration

	clock  clock.Clock
	logger *slog.Logger

	manual   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	optedOut atomic.Bool

	flushing  atomic.Bool
	delivered atomic.Uint64

	closeOnce sync.Once
}

// Start creates a Scheduler and launches its flush goroutine.
func Start(cfg Config) (*Scheduler, error) {
	if cfg.Queue == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("dispatch: Queue and Transport are required")
	}
	if cfg.FlushAt <= 0 || cfg.MaxBatchSize <= 0 || cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("dispatch: FlushAt, MaxBatchSize, and FlushInterval must be positive")
	}

	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = DefaultRetryBase
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = DefaultRetryMax
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		queue:         cfg.Queue,
		transport:     cfg.Transport,
		apiKey:        cfg.APIKey,
		flushAt:       cfg.FlushAt,
		flushInterval: cfg.FlushInterval,
		maxBatchSize:  cfg.MaxBatchSize,
		retryBase:     retryBase,
		retryMax:      retryMax,
		clock:         clk,
		logger:        logger,
		manual:        make(chan struct{}, 1),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// Flush requests a flush and returns immediately. If a flush is
// already in progress the request coalesces with it.
func (s *Scheduler) Flush() {
	select {
	case s.manual <- struct{}{}:
	default:
	}
}

// SetOptOut toggles opt-out. Opting out suppresses all flush
// triggers; the caller is expected to clear the queue as well. An
// in-flight delivery completes its network call, but its result
// cannot re-populate the cleared queue (Remove on a cleared queue is
// a no-op).
func (s *Scheduler) SetOptOut(optedOut bool) {
	s.optedOut.Store(optedOut)
}

// Delivered returns the number of events confirmed delivered since
// the scheduler started.
func (s *Scheduler) Delivered() uint64 {
	return s.delivered.Load()
}

// Flushing reports whether a flush pass is currently running.
func (s *Scheduler) Flushing() bool {
	return s.flushing.Load()
}

// Close stops the scheduler after one final bounded delivery attempt,
// so events captured just before shutdown still get a chance to ship.
// Safe to call more than once.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

// run is the scheduler goroutine: Idle in the select, Flushing in
// flushAll, back to Idle when it returns.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-s.queue.Notify():
			if s.queue.Size() >= s.flushAt {
				s.flushAll(ctx)
			}
		case <-ticker.C:
			s.flushAll(ctx)
		case <-s.manual:
			s.flushAll(ctx)
		}
	}
}

// flushAll drains the queue batch by batch. A transient failure backs
// off exponentially and retries the same events; a permanent
// rejection drops them and moves on. Returns when the queue is empty,
// opt-out is set, or the context ends.
func (s *Scheduler) flushAll(ctx context.Context) {
	s.flushing.Store(true)
	defer s.flushing.Store(false)

	backoff := s.retryBase
	for {
		if ctx.Err() != nil || s.optedOut.Load() {
			return
		}

		outcome := s.flushOnce(ctx)
		switch outcome {
		case flushEmpty:
			return

		case flushDelivered, flushRejected:
			backoff = s.retryBase

		case flushTransient:
			s.logger.Warn("batch delivery failed, will retry",
				"backoff", backoff,
				"queued", s.queue.Size(),
			)
			select {
			case <-s.clock.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > s.retryMax {
				backoff = s.retryMax
			}
		}
	}
}

type flushOutcome int

const (
	flushEmpty flushOutcome = iota
	flushDelivered
	flushRejected
	flushTransient
)

// flushOnce sends a single batch of the oldest events and applies the
// transport's classification to the queue. Any panic out of the
// transport or queue is recovered and treated as a transient failure:
// telemetry must never take the host down.
func (s *Scheduler) flushOnce(ctx context.Context) (outcome flushOutcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("flush pipeline panic suppressed", "panic", recovered)
			outcome = flushTransient
		}
	}()

	events := s.queue.PeekBatch(s.maxBatchSize)
	if len(events) == 0 {
		return flushEmpty
	}

	batch := event.NewBatch(s.apiKey, events, s.clock.Now())
	result := s.transport.Send(ctx, batch)

	switch result.Status {
	case transport.Delivered:
		if err := s.queue.Remove(ctx, eventIDs(events)); err != nil {
			s.logger.Warn("removing delivered events", "error", err)
		}
		s.delivered.Add(uint64(len(events)))
		s.logger.Debug("batch delivered", "events", len(events))
		return flushDelivered

	case transport.Rejected:
		// Requeueing a permanently rejected batch would loop
		// forever; drop it and surface the error.
		if err := s.queue.Remove(ctx, eventIDs(events)); err != nil {
			s.logger.Warn("removing rejected events", "error", err)
		}
		s.logger.Error("batch permanently rejected, events dropped",
			"events", len(events),
			"error", result.Err,
		)
		return flushRejected

	default:
		return flushTransient
	}
}

// drain makes one best-effort pass after shutdown with a bounded
// timeout, stopping at the first failure.
func (s *Scheduler) drain() {
	if s.optedOut.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		switch s.flushOnce(ctx) {
		case flushDelivered, flushRejected:
		case flushEmpty:
			return
		case flushTransient:
			s.logger.Warn("drain: batch delivery failed, abandoning remaining",
				"remaining", s.queue.Size(),
			)
			return
		}
	}
}

func eventIDs(events []event.Event) []string {
	ids := make([]string, len(events))
	for i, evt := range events {
		ids[i] = evt.UUID
	}
	return ids
}
