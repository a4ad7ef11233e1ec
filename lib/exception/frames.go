// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package exception

import (
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// currentFrames captures the calling goroutine's stack as resolved
// frames, skipping `skip` frames below the caller (plus this
// function and runtime.Callers themselves). This is the structured
// parser mode: exact file, line, and function from the runtime.
func currentFrames(skip, max int) []StackFrame {
	if max <= 0 {
		max = DefaultMaxStackFrames
	}
	pcs := make([]uintptr, max+8)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}

	resolved := runtime.CallersFrames(pcs[:n])
	var frames []StackFrame
	for len(frames) < max {
		frame, more := resolved.Next()
		if frame.Function != "" {
			frames = append(frames, frameFromRuntime(frame))
		}
		if !more {
			break
		}
	}
	return frames
}

// frameFromRuntime converts one runtime frame. The runtime reports
// functions as "module/pkg.Func"; the last path element splits into
// module and bare function name.
func frameFromRuntime(frame runtime.Frame) StackFrame {
	module, function := splitFunction(frame.Function)
	return StackFrame{
		Function: function,
		Module:   module,
		Filename: filepath.Base(frame.File),
		AbsPath:  frame.File,
		Line:     frame.Line,
		InApp:    !strings.HasPrefix(frame.Function, "runtime."),
	}
}

func splitFunction(qualified string) (module, function string) {
	slash := strings.LastIndex(qualified, "/")
	dot := strings.Index(qualified[slash+1:], ".")
	if dot < 0 {
		return "", qualified
	}
	dot += slash + 1
	return qualified[:dot], qualified[dot+1:]
}

// locatedLine matches the textual trace format
// "<signature> (at <file>:<line>)". The signature may itself contain
// parentheses, so the location group anchors at the end of the line.
var locatedLine = regexp.MustCompile(`^(.*?)\s*\(at\s+(.+):(\d+)\)\s*$`)

// ParseTrace parses a human-readable stack trace string into frames,
// capped at max (<= 0 means the default). Each line is expected in
// the form "<signature> (at <file>:<line>)"; lines with missing or
// malformed location information degrade to a basic frame carrying
// only the signature. Blank lines are skipped. Parsing never fails —
// a trace the parser cannot understand still yields usable frames.
func ParseTrace(trace string, max int) []StackFrame {
	if max <= 0 {
		max = DefaultMaxStackFrames
	}

	var frames []StackFrame
	for _, line := range strings.Split(trace, "\n") {
		if len(frames) >= max {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		frames = append(frames, parseTraceLine(line))
	}
	return frames
}

// parseTraceLine parses one trace line, falling back to a basic
// frame (function signature only) when the location is absent or
// unparseable.
func parseTraceLine(line string) StackFrame {
	match := locatedLine.FindStringSubmatch(line)
	if match == nil {
		return basicFrame(line)
	}
	signature := strings.TrimSpace(match[1])
	if signature == "" {
		return basicFrame(line)
	}
	lineNumber, err := strconv.Atoi(match[3])
	if err != nil {
		return basicFrame(signature)
	}

	path := strings.TrimSpace(match[2])
	return StackFrame{
		Function: signature,
		Filename: filepath.Base(path),
		AbsPath:  path,
		Line:     lineNumber,
		InApp:    true,
	}
}

// basicFrame is the parse-failure fallback: function name only.
func basicFrame(signature string) StackFrame {
	return StackFrame{Function: strings.TrimSpace(signature), InApp: true}
}
