// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package exception

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/signalpost/signalpost-go/lib/property"
)

// Caps on the normalized output. Exception graphs can be cyclic or
// pathologically deep; these bounds keep one $exception event small
// no matter what the host throws at the pipeline.
const (
	DefaultMaxDepth       = 10
	DefaultMaxExceptions  = 20
	DefaultMaxStackFrames = 50
)

// StackFrame is one resolved frame of a stack trace. Zero-valued
// location fields mean "unknown" and are omitted on the wire.
type StackFrame struct {
	Function string
	Module   string
	Filename string
	AbsPath  string
	Line     int
	Column   int
	InApp    bool
}

// toProperty renders the frame in the collector's frame schema.
func (f StackFrame) toProperty() property.Map {
	m := property.Map{
		"function": f.Function,
		"lang":     "go",
		"in_app":   f.InApp,
	}
	if f.Module != "" {
		m["module"] = f.Module
	}
	if f.Filename != "" {
		m["filename"] = f.Filename
	}
	if f.AbsPath != "" {
		m["abs_path"] = f.AbsPath
	}
	if f.Line > 0 {
		m["lineno"] = f.Line
	}
	if f.Column > 0 {
		m["colno"] = f.Column
	}
	return m
}

// Mechanism describes how an exception reached the pipeline.
type Mechanism struct {
	// Type is the capture strategy. Every capture today is
	// "generic"; the producing integration is recorded in Source.
	Type string

	// Handled is false for intercepted unhandled errors, true for
	// manual captures.
	Handled bool

	// Source is a free-form origin tag (goroutine, subsystem).
	Source string

	// Synthetic marks records fabricated from a bare message with
	// no real exception object behind them.
	Synthetic bool
}

// Record is one normalized exception: its type name, message, stack,
// and mechanism. A captured event carries a chain of Records for
// nested causes, outermost first.
type Record struct {
	Type      string
	Message   string
	Mechanism Mechanism
	Frames    []StackFrame
}

// toProperty renders the record in the collector's exception schema.
func (r Record) toProperty() property.Map {
	frames := make([]any, len(r.Frames))
	for i, frame := range r.Frames {
		frames[i] = map[string]any(frame.toProperty())
	}
	return property.Map{
		"type":  r.Type,
		"value": r.Message,
		"mechanism": map[string]any{
			"type":      r.Mechanism.Type,
			"handled":   r.Mechanism.Handled,
			"source":    r.Mechanism.Source,
			"synthetic": r.Mechanism.Synthetic,
		},
		"stacktrace": map[string]any{
			"type":   "raw",
			"frames": frames,
		},
	}
}

// Fingerprint computes a stable grouping key for a record chain:
// blake3 over the types, messages, and top frame signatures. The
// collector groups occurrences of the same crash by this value.
func Fingerprint(records []Record) string {
	hasher := blake3.New()
	for _, record := range records {
		hasher.WriteString(record.Type)
		hasher.WriteString("\x00")
		hasher.WriteString(record.Message)
		hasher.WriteString("\x00")
		for i, frame := range record.Frames {
			if i >= 5 {
				break
			}
			hasher.WriteString(frame.Function)
			hasher.WriteString("\x1f")
		}
		hasher.WriteString("\x1e")
	}
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// typeName derives the exception type for an error value: the
// concrete Go type, with pointer and package clutter trimmed
// ("*fs.PathError" → "fs.PathError").
func typeName(err error) string {
	name := strings.TrimPrefix(errType(err), "*")
	if name == "errors.errorString" || name == "fmt.wrapError" {
		// The stdlib's anonymous error carriers say nothing useful;
		// report a generic type and let the message speak.
		return "error"
	}
	return name
}
