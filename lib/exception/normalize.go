// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package exception

import (
	"fmt"
	"reflect"
)

// limits bounds one normalization pass.
type limits struct {
	maxDepth      int
	maxExceptions int
	maxFrames     int
}

func (l limits) withDefaults() limits {
	if l.maxDepth <= 0 {
		l.maxDepth = DefaultMaxDepth
	}
	if l.maxExceptions <= 0 {
		l.maxExceptions = DefaultMaxExceptions
	}
	if l.maxFrames <= 0 {
		l.maxFrames = DefaultMaxStackFrames
	}
	return l
}

// normalize walks err's cause graph breadth-first and produces the
// Record chain, outermost cause first. The walk stops at maxDepth
// levels and maxExceptions total records, and a visited set breaks
// cycles in self-referential cause graphs. The mechanism is stamped
// on every record; frames attach only to the outermost record (inner
// causes in Go rarely carry an independent stack).
func normalize(err error, mechanism Mechanism, frames []StackFrame, l limits) []Record {
	l = l.withDefaults()
	if err == nil {
		return nil
	}

	type node struct {
		err   error
		depth int
	}

	visited := newVisitedSet()
	queue := []node{{err: err, depth: 0}}
	visited.add(err)

	var records []Record
	for len(queue) > 0 && len(records) < l.maxExceptions {
		current := queue[0]
		queue = queue[1:]

		record := Record{
			Type:      typeName(current.err),
			Message:   current.err.Error(),
			Mechanism: mechanism,
		}
		if len(records) == 0 {
			record.Frames = capFrames(frames, l.maxFrames)
		}
		records = append(records, record)

		if current.depth+1 >= l.maxDepth {
			continue
		}
		for _, cause := range causesOf(current.err) {
			if cause == nil || !visited.add(cause) {
				continue
			}
			queue = append(queue, node{err: cause, depth: current.depth + 1})
		}
	}
	return records
}

// causesOf returns err's direct causes via the standard unwrap
// conventions: single Unwrap() error and aggregate Unwrap() []error.
func causesOf(err error) []error {
	switch unwrapper := err.(type) {
	case interface{ Unwrap() error }:
		if cause := unwrapper.Unwrap(); cause != nil {
			return []error{cause}
		}
	case interface{ Unwrap() []error }:
		return unwrapper.Unwrap()
	}
	return nil
}

func capFrames(frames []StackFrame, max int) []StackFrame {
	if len(frames) <= max {
		return frames
	}
	return frames[:max]
}

// visitedSet tracks errors already normalized. Errors holding
// uncomparable fields (slices, maps) cannot be map keys or compared
// with ==; those are tracked by pointer identity when possible and
// otherwise skipped — the depth and count caps still bound the walk.
type visitedSet struct {
	comparable map[error]bool
	pointers   map[uintptr]bool
}

func newVisitedSet() *visitedSet {
	return &visitedSet{
		comparable: make(map[error]bool),
		pointers:   make(map[uintptr]bool),
	}
}

// add records err and reports whether it was new.
func (v *visitedSet) add(err error) bool {
	value := reflect.ValueOf(err)
	if value.Kind() == reflect.Ptr {
		address := value.Pointer()
		if v.pointers[address] {
			return false
		}
		v.pointers[address] = true
		return true
	}
	if !value.Type().Comparable() {
		return true
	}
	if v.comparable[err] {
		return false
	}
	v.comparable[err] = true
	return true
}

// errType is the concrete dynamic type of err.
func errType(err error) string {
	return fmt.Sprintf("%T", err)
}
