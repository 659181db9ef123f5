// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package clock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxmq-consumer/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestRealAfterFuncFires(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	clock.Real{}.AfterFunc(5*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc did not fire within timeout")
	}
}

func TestManualAdvanceRunsDueTimers(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)

	var fired atomic.Int32
	m.AfterFunc(time.Second, func() { fired.Add(1) })
	m.AfterFunc(3*time.Second, func() { fired.Add(10) })
	assert.Equal(t, 2, m.Pending())

	now := m.Advance(2 * time.Second)
	assert.Equal(t, start.Add(2*time.Second), now)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 1, m.Pending())

	m.Advance(time.Second)
	assert.Equal(t, int32(11), fired.Load())
	assert.Equal(t, 0, m.Pending())
}

func TestManualStop(t *testing.T) {
	m := clock.NewManual(time.Unix(0, 0))

	var fired atomic.Bool
	timer := m.AfterFunc(time.Second, func() { fired.Store(true) })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	m.Advance(time.Minute)
	assert.False(t, fired.Load())
	assert.Equal(t, 0, m.Pending())
}
