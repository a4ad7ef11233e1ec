// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package exception

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalpost/signalpost-go/lib/clock"
	"github.com/signalpost/signalpost-go/lib/property"
	"github.com/signalpost/signalpost-go/lib/testutil"
)

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// loopErr builds cyclic cause graphs.
type loopErr struct {
	msg   string
	cause error
}

func (e *loopErr) Error() string { return e.msg }
func (e *loopErr) Unwrap() error { return e.cause }

func TestNormalizeTerminatesOnCycle(t *testing.T) {
	a := &loopErr{msg: "a"}
	b := &loopErr{msg: "b", cause: a}
	a.cause = b

	records := normalize(a, Mechanism{Type: "generic"}, nil, limits{})
	if len(records) != 2 {
		t.Fatalf("got %d records for a two-node cycle, want 2", len(records))
	}
	if records[0].Message != "a" || records[1].Message != "b" {
		t.Fatalf("unexpected record order: %q, %q", records[0].Message, records[1].Message)
	}
}

func TestNormalizeDepthCap(t *testing.T) {
	err := errors.New("root")
	for i := 0; i < 10; i++ {
		err = fmt.Errorf("level %d: %w", i, err)
	}

	records := normalize(err, Mechanism{}, nil, limits{maxDepth: 3})
	if len(records) != 3 {
		t.Fatalf("got %d records with depth cap 3, want 3", len(records))
	}
}

func TestNormalizeExceptionCountCap(t *testing.T) {
	var leaves []error
	for i := 0; i < 10; i++ {
		leaves = append(leaves, fmt.Errorf("leaf %d", i))
	}
	err := errors.Join(leaves...)

	records := normalize(err, Mechanism{}, nil, limits{maxExceptions: 4})
	if len(records) != 4 {
		t.Fatalf("got %d records with count cap 4, want 4", len(records))
	}
}

func TestNormalizeFramesOnOutermostOnly(t *testing.T) {
	err := fmt.Errorf("outer: %w", errors.New("inner"))
	frames := []StackFrame{{Function: "main.run"}}

	records := normalize(err, Mechanism{}, frames, limits{})
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if len(records[0].Frames) != 1 {
		t.Fatalf("outermost record has %d frames, want 1", len(records[0].Frames))
	}
	if len(records[1].Frames) != 0 {
		t.Fatalf("inner record has %d frames, want 0", len(records[1].Frames))
	}
}

func TestNormalizeSharedCauseVisitedOnce(t *testing.T) {
	shared := errors.New("shared")
	err := errors.Join(
		fmt.Errorf("left: %w", shared),
		fmt.Errorf("right: %w", shared),
	)

	records := normalize(err, Mechanism{}, nil, limits{})
	count := 0
	for _, record := range records {
		if record.Message == "shared" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("shared cause appears %d times, want 1", count)
	}
}

func TestTypeName(t *testing.T) {
	if got := typeName(errors.New("x")); got != "error" {
		t.Fatalf("errors.New type = %q, want %q", got, "error")
	}
	if got := typeName(&loopErr{msg: "x"}); got != "exception.loopErr" {
		t.Fatalf("loopErr type = %q, want %q", got, "exception.loopErr")
	}
}

func TestParseTrace(t *testing.T) {
	trace := strings.Join([]string{
		"handleRequest(ctx, req) (at /srv/app/handler.go:42)",
		"",
		"dispatch (at /srv/app/router.go:17)",
		"mystery frame without location",
	}, "\n")

	frames := ParseTrace(trace, 0)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}

	first := frames[0]
	if first.Function != "handleRequest(ctx, req)" {
		t.Errorf("function = %q", first.Function)
	}
	if first.Filename != "handler.go" || first.AbsPath != "/srv/app/handler.go" {
		t.Errorf("location = %q / %q", first.Filename, first.AbsPath)
	}
	if first.Line != 42 {
		t.Errorf("line = %d, want 42", first.Line)
	}

	fallback := frames[2]
	if fallback.Function != "mystery frame without location" {
		t.Errorf("fallback function = %q", fallback.Function)
	}
	if fallback.Line != 0 || fallback.Filename != "" {
		t.Errorf("fallback frame carries location: %+v", fallback)
	}
}

func TestParseTraceCap(t *testing.T) {
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, fmt.Sprintf("frame%d (at /a/b.go:%d)", i, i+1))
	}
	frames := ParseTrace(strings.Join(lines, "\n"), 5)
	if len(frames) != 5 {
		t.Fatalf("got %d frames with cap 5, want 5", len(frames))
	}
}

func TestCurrentFramesResolvesCaller(t *testing.T) {
	frames := currentFrames(0, 10)
	if len(frames) == 0 {
		t.Fatal("no frames captured")
	}
	top := frames[0]
	if !strings.Contains(top.Function, "TestCurrentFramesResolvesCaller") {
		t.Errorf("top frame = %q, want this test function", top.Function)
	}
	if top.Filename != "exception_test.go" {
		t.Errorf("top frame file = %q", top.Filename)
	}
	if top.Line == 0 {
		t.Error("top frame has no line number")
	}
}

func TestFingerprintStability(t *testing.T) {
	chain := func(msg string) []Record {
		return normalize(fmt.Errorf("%s: %w", msg, errors.New("root")), Mechanism{}, nil, limits{})
	}
	if Fingerprint(chain("boom")) != Fingerprint(chain("boom")) {
		t.Error("identical chains produced different fingerprints")
	}
	if Fingerprint(chain("boom")) == Fingerprint(chain("bang")) {
		t.Error("different chains produced the same fingerprint")
	}
}

// captureRecorder collects events handed to the pipeline's capture
// hook.
type captureRecorder struct {
	mu     sync.Mutex
	events []property.Map
	notify chan struct{}
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{notify: make(chan struct{}, 64)}
}

func (r *captureRecorder) capture(name string, properties property.Map) {
	if name != "$exception" {
		panic("unexpected event name " + name)
	}
	r.mu.Lock()
	r.events = append(r.events, properties)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *captureRecorder) all() []property.Map {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]property.Map(nil), r.events...)
}

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *captureRecorder) {
	t.Helper()
	recorder := newCaptureRecorder()
	cfg.Capture = recorder.capture
	if cfg.Clock == nil {
		cfg.Clock = clock.Fake(testEpoch)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	pipeline, err := NewPipeline(cfg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return pipeline, recorder
}

func TestManualCaptureProperties(t *testing.T) {
	pipeline, recorder := newTestPipeline(t, Config{
		PersonURL: func() string { return "https://app.example.com/person/u1" },
	})

	pipeline.CaptureException(fmt.Errorf("request failed: %w", io.ErrUnexpectedEOF))
	testutil.RequireReceive(t, recorder.notify, 5*time.Second, "capture")

	events := recorder.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	properties := events[0]

	if got := properties.Str("$exception_type", ""); got != "error" {
		t.Errorf("$exception_type = %q", got)
	}
	if got := properties.Str("$exception_message", ""); got != "request failed: unexpected EOF" {
		t.Errorf("$exception_message = %q", got)
	}
	if !properties.Bool("$exception_handled", false) {
		t.Error("$exception_handled = false, want true for a manual capture")
	}
	if got := properties.Str("$exception_level", ""); got != "error" {
		t.Errorf("$exception_level = %q", got)
	}
	if properties.Str("$exception_fingerprint", "") == "" {
		t.Error("missing $exception_fingerprint")
	}
	if got := properties.Str("$exception_personURL", ""); got != "https://app.example.com/person/u1" {
		t.Errorf("$exception_personURL = %q", got)
	}

	list, ok := properties["$exception_list"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("$exception_list = %#v, want two records", properties["$exception_list"])
	}
	outer, ok := list[0].(map[string]any)
	if !ok {
		t.Fatalf("record shape: %#v", list[0])
	}
	stack, ok := outer["stacktrace"].(map[string]any)
	if !ok || stack["type"] != "raw" {
		t.Fatalf("stacktrace shape: %#v", outer["stacktrace"])
	}
	if frames, ok := stack["frames"].([]any); !ok || len(frames) == 0 {
		t.Error("outermost record has no frames")
	}
}

func TestCaptureNilErrorIsNoOp(t *testing.T) {
	pipeline, recorder := newTestPipeline(t, Config{})
	pipeline.CaptureException(nil)
	if len(recorder.all()) != 0 {
		t.Fatal("nil error produced an event")
	}
}

func TestDebounceSamplesStormToOne(t *testing.T) {
	fc := clock.Fake(testEpoch)
	pipeline, recorder := newTestPipeline(t, Config{
		Clock:            fc,
		DebounceInterval: time.Second,
	})

	pipeline.CaptureException(errors.New("first"))
	pipeline.CaptureException(errors.New("second"))
	testutil.RequireReceive(t, recorder.notify, 5*time.Second, "first capture")
	if got := len(recorder.all()); got != 1 {
		t.Fatalf("got %d events inside the debounce window, want 1", got)
	}

	fc.Advance(time.Second)
	pipeline.CaptureException(errors.New("third"))
	testutil.RequireReceive(t, recorder.notify, 5*time.Second, "post-debounce capture")

	events := recorder.all()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if got := events[1].Str("$exception_message", ""); got != "third" {
		t.Errorf("second event message = %q, want %q", got, "third")
	}
}

func TestPipelineSurvivesCaptureHookPanic(t *testing.T) {
	pipeline, err := NewPipeline(Config{
		Capture: func(string, property.Map) { panic("queue exploded") },
		Clock:   clock.Fake(testEpoch),
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	pipeline.CaptureException(errors.New("boom"))
}

func TestChannelSourceDeliversToStartedPipeline(t *testing.T) {
	source := NewChannelSource(8)
	pipeline, recorder := newTestPipeline(t, Config{Source: source})

	if err := pipeline.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pipeline.Stop()

	if !source.ReportMessage("worker crashed", "run (at /srv/worker.go:9)") {
		t.Fatal("report rejected")
	}
	testutil.RequireReceive(t, recorder.notify, 5*time.Second, "channel capture")

	events := recorder.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	properties := events[0]
	if properties.Bool("$exception_handled", true) {
		t.Error("$exception_handled = true, want false for an intercepted error")
	}
	if got := properties.Str("$exception_message", ""); got != "worker crashed" {
		t.Errorf("message = %q", got)
	}

	list := properties["$exception_list"].([]any)
	record := list[0].(map[string]any)
	mechanism := record["mechanism"].(map[string]any)
	if mechanism["synthetic"] != true {
		t.Error("message-only signal not marked synthetic")
	}
	if mechanism["source"] != "channel" {
		t.Errorf("mechanism source = %v", mechanism["source"])
	}
	stack := record["stacktrace"].(map[string]any)
	if frames := stack["frames"].([]any); len(frames) != 1 {
		t.Fatalf("got %d parsed frames, want 1", len(frames))
	}
}

func TestChannelSourceStopsDelivering(t *testing.T) {
	source := NewChannelSource(8)
	pipeline, recorder := newTestPipeline(t, Config{
		Source:           source,
		DebounceInterval: -1,
	})

	if err := pipeline.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	source.Report(errors.New("while running"))
	testutil.RequireReceive(t, recorder.notify, 5*time.Second, "capture before stop")

	if err := pipeline.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	source.Report(errors.New("after stop"))

	time.Sleep(20 * time.Millisecond)
	if got := len(recorder.all()); got != 1 {
		t.Fatalf("got %d events after stop, want 1", got)
	}
}

func TestSlogSourceForwardsAndRestores(t *testing.T) {
	prior := slog.Default()
	defer slog.SetDefault(prior)
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	installed := slog.Default()

	var (
		mu      sync.Mutex
		signals []Signal
	)
	source := NewSlogSource()
	err := source.Register(func(sig Signal) {
		mu.Lock()
		signals = append(signals, sig)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	slog.Info("routine progress")
	slog.Error("request failed", "err", io.ErrClosedPipe)
	slog.With("component", "exception").Error("internal capture failure")

	mu.Lock()
	got := append([]Signal(nil), signals...)
	mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d signals, want 1 (error level, non-internal only)", len(got))
	}
	if got[0].Message != "request failed" {
		t.Errorf("signal message = %q", got[0].Message)
	}
	if !errors.Is(got[0].Err, io.ErrClosedPipe) {
		t.Errorf("signal err = %v, want io.ErrClosedPipe", got[0].Err)
	}
	if got[0].Source != "slog" {
		t.Errorf("signal source = %q", got[0].Source)
	}

	if err := source.Unregister(); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if slog.Default() != installed {
		t.Error("Unregister did not restore the prior default logger")
	}
}
