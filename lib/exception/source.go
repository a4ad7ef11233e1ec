// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package exception

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ChannelSource is an ErrorSource fed explicitly by the host: any
// goroutine may Report errors into it, and a pump goroutine forwards
// them to the registered handler. Reports are non-blocking; when the
// buffer is full the signal is dropped.
type ChannelSource struct {
	signals chan Signal

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewChannelSource returns a source buffering up to buffer pending
// signals (minimum 1).
func NewChannelSource(buffer int) *ChannelSource {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSource{signals: make(chan Signal, buffer)}
}

// Report submits an error without blocking. It reports whether the
// signal was accepted.
func (s *ChannelSource) Report(err error) bool {
	if err == nil {
		return false
	}
	return s.offer(Signal{Err: err, Source: "channel"})
}

// ReportMessage submits a bare message with an optional textual
// stack trace.
func (s *ChannelSource) ReportMessage(message, trace string) bool {
	if message == "" {
		return false
	}
	return s.offer(Signal{Message: message, Trace: trace, Source: "channel"})
}

func (s *ChannelSource) offer(sig Signal) bool {
	select {
	case s.signals <- sig:
		return true
	default:
		return false
	}
}

// Register starts the pump goroutine forwarding signals to h.
func (s *ChannelSource) Register(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return fmt.Errorf("channel source already registered")
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.pump(h, s.stop, s.done)
	return nil
}

// Unregister stops the pump and waits for it to exit. Buffered but
// undelivered signals are discarded.
func (s *ChannelSource) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
	return nil
}

func (s *ChannelSource) pump(h Handler, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case sig := <-s.signals:
			h(sig)
		case <-stop:
			return
		}
	}
}

// SlogSource is an ErrorSource that intercepts the process-wide
// default slog logger: error-level records are forwarded to the
// pipeline while still reaching the original handler. Unregister
// restores the exact logger that was default before Register, so the
// host's logging is never left broken.
type SlogSource struct {
	mu    sync.Mutex
	prior *slog.Logger
}

// NewSlogSource returns an unregistered source.
func NewSlogSource() *SlogSource {
	return &SlogSource{}
}

// Register swaps the default slog logger for a forwarding wrapper.
func (s *SlogSource) Register(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prior != nil {
		return fmt.Errorf("slog source already registered")
	}
	s.prior = slog.Default()
	slog.SetDefault(slog.New(&slogCaptureHandler{
		next:    s.prior.Handler(),
		forward: h,
	}))
	return nil
}

// Unregister restores the logger displaced by Register.
func (s *SlogSource) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prior == nil {
		return nil
	}
	slog.SetDefault(s.prior)
	s.prior = nil
	return nil
}

// slogCaptureHandler delegates every record to the displaced handler
// and forwards error-level records as signals. Records emitted by
// the telemetry pipeline itself are marked with a component
// attribute and skipped, so a capture failure logged at error level
// cannot feed back into another capture.
type slogCaptureHandler struct {
	next    slog.Handler
	forward Handler

	// internal marks a handler derived via WithAttrs with the
	// pipeline's own component attribute.
	internal bool
}

func (c *slogCaptureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return c.next.Enabled(ctx, level)
}

func (c *slogCaptureHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= slog.LevelError && !c.internal && !recordIsInternal(record) {
		c.forward(Signal{
			Err:     errorAttr(record),
			Message: record.Message,
			Source:  "slog",
		})
	}
	return c.next.Handle(ctx, record)
}

func (c *slogCaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	internal := c.internal
	for _, attr := range attrs {
		if isInternalAttr(attr) {
			internal = true
		}
	}
	return &slogCaptureHandler{
		next:     c.next.WithAttrs(attrs),
		forward:  c.forward,
		internal: internal,
	}
}

func (c *slogCaptureHandler) WithGroup(name string) slog.Handler {
	return &slogCaptureHandler{
		next:     c.next.WithGroup(name),
		forward:  c.forward,
		internal: c.internal,
	}
}

func recordIsInternal(record slog.Record) bool {
	internal := false
	record.Attrs(func(attr slog.Attr) bool {
		if isInternalAttr(attr) {
			internal = true
			return false
		}
		return true
	})
	return internal
}

func isInternalAttr(attr slog.Attr) bool {
	return attr.Key == "component" && attr.Value.Kind() == slog.KindString &&
		attr.Value.String() == "exception"
}

// errorAttr pulls the first error-valued attribute off the record,
// preferring the conventional "error"/"err" keys.
func errorAttr(record slog.Record) error {
	var found error
	record.Attrs(func(attr slog.Attr) bool {
		if err, ok := attr.Value.Any().(error); ok && err != nil {
			if attr.Key == "error" || attr.Key == "err" {
				found = err
				return false
			}
			if found == nil {
				found = err
			}
		}
		return true
	})
	return found
}
