// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package exception

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/signalpost/signalpost-go/lib/clock"
	"github.com/signalpost/signalpost-go/lib/property"
)

// DefaultDebounceInterval is the minimum spacing between emitted
// $exception events. An exception storm is sampled down to one event
// per interval.
const DefaultDebounceInterval = time.Second

// Signal is one raw exception delivered to the pipeline by an
// ErrorSource. Either Err carries a structured error, or Message
// (with an optional textual Trace) carries a bare report from a
// producer that has no error value to hand over.
type Signal struct {
	Err     error
	Message string
	Trace   string

	// Source tags the origin of the signal ("slog", "channel",
	// "panic_recover"). Stamped into the mechanism descriptor.
	Source string
}

// Handler receives signals from an ErrorSource while the pipeline is
// started.
type Handler func(Signal)

// ErrorSource is an integration point that intercepts errors from
// some host facility and forwards them to a Handler. Register may
// displace a global handler; Unregister must restore whatever was in
// place before Register, so stopping the pipeline never leaves the
// host's error handling broken.
type ErrorSource interface {
	Register(Handler) error
	Unregister() error
}

// CaptureFunc hands an assembled event to the event queue. The
// pipeline never talks to the queue directly; the client wires this.
type CaptureFunc func(name string, properties property.Map)

// Config configures a Pipeline. Capture is required; everything else
// has a default.
type Config struct {
	// Capture receives the assembled $exception events.
	Capture CaptureFunc

	// Source, when set, is registered on Start and unregistered on
	// Stop. A pipeline without a Source only serves manual captures.
	Source ErrorSource

	// PersonURL, when set, is consulted at capture time for a deep
	// link to the current identity's profile. An empty return means
	// no known identity.
	PersonURL func() string

	// DebounceInterval is the minimum time between emitted events.
	// Zero means DefaultDebounceInterval; negative disables the
	// debounce gate.
	DebounceInterval time.Duration

	MaxDepth       int
	MaxExceptions  int
	MaxStackFrames int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Pipeline turns raw errors into $exception events. Automatic
// captures flow in through a registered ErrorSource; manual captures
// through CaptureException. Both share the same debounce, normalize,
// and assembly path and differ only in the mechanism's handled flag.
//
// A fault inside the pipeline is logged and suppressed, never
// propagated: telemetry must not destabilize the host.
type Pipeline struct {
	capture   CaptureFunc
	source    ErrorSource
	personURL func() string
	debounce  time.Duration
	limits    limits
	clock     clock.Clock
	logger    *slog.Logger

	mu          sync.Mutex
	started     bool
	lastCapture time.Time
}

// NewPipeline validates the configuration and returns a stopped
// pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Capture == nil {
		return nil, fmt.Errorf("exception: Config.Capture is required")
	}
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = DefaultDebounceInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		capture:   cfg.Capture,
		source:    cfg.Source,
		personURL: cfg.PersonURL,
		debounce:  cfg.DebounceInterval,
		limits: limits{
			maxDepth:      cfg.MaxDepth,
			maxExceptions: cfg.MaxExceptions,
			maxFrames:     cfg.MaxStackFrames,
		}.withDefaults(),
		clock:  cfg.Clock,
		logger: cfg.Logger.With("component", "exception"),
	}, nil
}

// Start moves the pipeline to the started state, registering the
// ErrorSource if one is configured. Starting a started pipeline is a
// no-op.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if p.source != nil {
		if err := p.source.Register(p.handle); err != nil {
			return fmt.Errorf("registering error source: %w", err)
		}
	}
	p.started = true
	return nil
}

// Stop unregisters the ErrorSource, restoring any handler it
// displaced. Stopping a stopped pipeline is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false
	if p.source != nil {
		if err := p.source.Unregister(); err != nil {
			return fmt.Errorf("unregistering error source: %w", err)
		}
	}
	return nil
}

// CaptureException records a manually reported error. The stack is
// captured at the call site. A nil error is rejected with a warning.
func (p *Pipeline) CaptureException(err error) {
	if err == nil {
		p.logger.Warn("ignoring nil exception")
		return
	}
	frames := currentFrames(1, p.limits.maxFrames)
	p.process(Signal{Err: err, Source: "manual"}, true, frames)
}

// handle is the Handler registered with the ErrorSource. Signals
// arriving here are unhandled from the host's point of view.
func (p *Pipeline) handle(sig Signal) {
	if sig.Err == nil && sig.Message == "" {
		p.logger.Warn("ignoring empty exception signal")
		return
	}
	var frames []StackFrame
	if sig.Trace != "" {
		frames = ParseTrace(sig.Trace, p.limits.maxFrames)
	} else if sig.Err != nil {
		frames = currentFrames(2, p.limits.maxFrames)
	}
	p.process(sig, false, frames)
}

// process is the shared capture path: debounce, normalize, assemble,
// enqueue. Any panic inside is recovered and logged.
func (p *Pipeline) process(sig Signal, handled bool, frames []StackFrame) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("exception capture failed", "panic", r)
		}
	}()

	if !p.admit() {
		return
	}

	mechanism := Mechanism{
		Type:    "generic",
		Handled: handled,
		Source:  sig.Source,
	}

	var records []Record
	if sig.Err != nil {
		records = normalize(sig.Err, mechanism, frames, p.limits)
	} else {
		mechanism.Synthetic = true
		records = []Record{{
			Type:      "Error",
			Message:   sig.Message,
			Mechanism: mechanism,
			Frames:    capFrames(frames, p.limits.maxFrames),
		}}
	}
	if len(records) == 0 {
		return
	}

	p.capture("$exception", p.assemble(records, handled))
}

// admit applies the debounce gate and, on admission, records the
// capture time.
func (p *Pipeline) admit() bool {
	if p.debounce < 0 {
		return true
	}
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lastCapture.IsZero() && now.Sub(p.lastCapture) < p.debounce {
		p.logger.Debug("exception debounced")
		return false
	}
	p.lastCapture = now
	return true
}

// assemble renders the record chain into $exception event
// properties.
func (p *Pipeline) assemble(records []Record, handled bool) property.Map {
	list := make([]any, len(records))
	for i, record := range records {
		list[i] = map[string]any(record.toProperty())
	}
	properties := property.Map{
		"$exception_list":        list,
		"$exception_type":        records[0].Type,
		"$exception_message":     records[0].Message,
		"$exception_level":       "error",
		"$exception_handled":     handled,
		"$exception_fingerprint": Fingerprint(records),
	}
	if p.personURL != nil {
		if url := p.personURL(); url != "" {
			properties["$exception_personURL"] = url
		}
	}
	return properties
}
