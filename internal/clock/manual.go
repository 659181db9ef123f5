// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	m       *Manual
	at      time.Time
	fn      func()
	stopped bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once the clock has been advanced by at least d.
// A non-positive d runs f on its own goroutine immediately.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	t := &manualTimer{m: m, fn: f}
	if d <= 0 {
		go f()
		t.stopped = true
		return t
	}

	m.mu.Lock()
	t.at = m.now.Add(d)
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return t
}

// Advance moves the clock forward and runs due callbacks synchronously, in schedule order.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due []*manualTimer
	remaining := m.timers[:0]
	for _, t := range m.timers {
		if t.stopped {
			continue
		}
		if t.at.After(now) {
			remaining = append(remaining, t)
			continue
		}
		t.stopped = true
		due = append(due, t)
	}
	m.timers = remaining
	m.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Stop cancels the timer. It reports whether the call prevented the callback from running.
func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
