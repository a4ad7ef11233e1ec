// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a deterministic Clock frozen at initial. Time moves
// only when Advance is called; every After, AfterFunc, NewTicker, and
// Sleep call registers a pending entry that fires once the clock
// passes its deadline.
//
// Safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	f := &FakeClock{now: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// FakeClock is the test implementation of Clock. AfterFunc callbacks
// run synchronously inside Advance, in deadline order; do not call
// Advance or Sleep from inside one.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

type pendingTimer struct {
	deadline time.Time
	ch       chan time.Time // nil for AfterFunc entries
	fn       func()         // nil for channel entries
	period   time.Duration  // non-zero for tickers; rescheduled after firing
	stopped  bool
	fired    bool
}

// Now returns the frozen current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot channel entry. A non-positive duration
// delivers immediately without registering anything.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.pending = append(f.pending, &pendingTimer{deadline: f.now.Add(d), ch: ch})
	f.changed.Broadcast()
	return ch
}

// AfterFunc registers a one-shot callback entry. If d <= 0 the
// callback runs synchronously before AfterFunc returns.
func (f *FakeClock) AfterFunc(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		fn()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	f.mu.Lock()
	entry := &pendingTimer{deadline: f.now.Add(d), fn: fn}
	f.pending = append(f.pending, entry)
	f.changed.Broadcast()
	f.mu.Unlock()

	return &Timer{
		stop: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			if entry.stopped || entry.fired {
				return false
			}
			entry.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			active := !entry.stopped && !entry.fired
			entry.deadline = f.now.Add(d)
			entry.stopped = false
			if entry.fired {
				entry.fired = false
				f.pending = append(f.pending, entry)
				f.changed.Broadcast()
			}
			return active
		},
	}
}

// NewTicker registers a periodic entry. Panics if d <= 0.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker interval must be positive")
	}

	f.mu.Lock()
	ch := make(chan time.Time, 1)
	entry := &pendingTimer{deadline: f.now.Add(d), ch: ch, period: d}
	f.pending = append(f.pending, entry)
	f.changed.Broadcast()
	f.mu.Unlock()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			entry.stopped = true
		},
		reset: func(d time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			entry.period = d
			entry.deadline = f.now.Add(d)
			entry.stopped = false
		},
	}
}

// Sleep blocks until the clock advances past the deadline.
func (f *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d and fires every entry whose
// deadline falls within the new time, in deadline order. Channel
// sends are non-blocking (full buffers drop the tick, matching
// time.Ticker). Tickers spanning multiple periods fire once per
// period.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		expired := f.takeExpired(target)
		if len(expired) == 0 {
			return
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})
		for _, entry := range expired {
			if entry.fn != nil {
				entry.fn()
				continue
			}
			select {
			case entry.ch <- target:
			default:
			}
		}
	}
}

// takeExpired removes entries due at or before target from the
// pending list, rescheduling tickers for their next period.
func (f *FakeClock) takeExpired(target time.Time) []*pendingTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	var expired, keep []*pendingTimer
	for _, entry := range f.pending {
		switch {
		case entry.stopped:
		case !entry.deadline.After(target):
			expired = append(expired, entry)
		default:
			keep = append(keep, entry)
		}
	}
	for _, entry := range expired {
		if entry.period > 0 {
			entry.deadline = entry.deadline.Add(entry.period)
			keep = append(keep, entry)
		} else {
			entry.fired = true
		}
	}
	f.pending = keep
	return expired
}

// WaitForTimers blocks until at least n entries are pending. Use this
// to synchronize with a goroutine that registers a timer before
// calling Advance, instead of sleeping and hoping.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.activeLocked() < n {
		f.changed.Wait()
	}
}

// PendingCount returns the number of active pending entries.
func (f *FakeClock) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeLocked()
}

func (f *FakeClock) activeLocked() int {
	n := 0
	for _, entry := range f.pending {
		if !entry.stopped {
			n++
		}
	}
	return n
}
