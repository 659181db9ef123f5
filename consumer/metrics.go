// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"sync/atomic"
	"time"
)

// Metrics tracks push consumer statistics.
type Metrics struct {
	// Receive metrics
	ReceiveRequests  uint64 // Receive RPCs dispatched
	ReceiveFailures  uint64 // Receive RPCs that failed (excluding flow control)
	ThrottleCount    uint64 // Fetches postponed by a throttled queue
	MessagesReceived uint64 // Messages accounted into process queues

	// Consumption metrics
	MessagesConsumed  uint64 // Listener returned Success
	MessagesFailed    uint64 // Listener returned Failure or panicked
	MessagesFiltered  uint64 // Dropped by the client-side tag filter
	MessagesAbandoned uint64 // Dropped because their queue was retired

	// Ack metrics
	AckCount     uint64
	AckFailures  uint64
	NackCount    uint64
	NackFailures uint64

	// Latency tracking (in nanoseconds)
	TotalProcessLatency uint64 // Sum of listener invocation latencies
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordReceiveRequest records a dispatched receive.
func (m *Metrics) RecordReceiveRequest() {
	atomic.AddUint64(&m.ReceiveRequests, 1)
}

// RecordReceiveFailure records a failed receive.
func (m *Metrics) RecordReceiveFailure() {
	atomic.AddUint64(&m.ReceiveFailures, 1)
}

// RecordThrottled records a fetch postponed by throttling.
func (m *Metrics) RecordThrottled() {
	atomic.AddUint64(&m.ThrottleCount, 1)
}

// RecordMessagesReceived records n cached messages.
func (m *Metrics) RecordMessagesReceived(n int) {
	atomic.AddUint64(&m.MessagesReceived, uint64(n))
}

// RecordConsumed records a listener invocation.
func (m *Metrics) RecordConsumed(result ConsumeResult, latency time.Duration) {
	if result == Success {
		atomic.AddUint64(&m.MessagesConsumed, 1)
	} else {
		atomic.AddUint64(&m.MessagesFailed, 1)
	}
	atomic.AddUint64(&m.TotalProcessLatency, uint64(latency.Nanoseconds()))
}

// RecordFiltered records a message dropped by the tag filter.
func (m *Metrics) RecordFiltered() {
	atomic.AddUint64(&m.MessagesFiltered, 1)
}

// RecordAbandoned records a message of a retired queue.
func (m *Metrics) RecordAbandoned() {
	atomic.AddUint64(&m.MessagesAbandoned, 1)
}

// RecordAck records an ack outcome.
func (m *Metrics) RecordAck(err error) {
	if err != nil {
		atomic.AddUint64(&m.AckFailures, 1)
		return
	}
	atomic.AddUint64(&m.AckCount, 1)
}

// RecordNack records an invisibility change outcome.
func (m *Metrics) RecordNack(err error) {
	if err != nil {
		atomic.AddUint64(&m.NackFailures, 1)
		return
	}
	atomic.AddUint64(&m.NackCount, 1)
}

// GetAverageProcessLatency returns the average listener latency.
func (m *Metrics) GetAverageProcessLatency() time.Duration {
	n := atomic.LoadUint64(&m.MessagesConsumed) + atomic.LoadUint64(&m.MessagesFailed)
	if n == 0 {
		return 0
	}
	return time.Duration(atomic.LoadUint64(&m.TotalProcessLatency) / n)
}

// Snapshot returns a copy of current metrics.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		ReceiveRequests:     atomic.LoadUint64(&m.ReceiveRequests),
		ReceiveFailures:     atomic.LoadUint64(&m.ReceiveFailures),
		ThrottleCount:       atomic.LoadUint64(&m.ThrottleCount),
		MessagesReceived:    atomic.LoadUint64(&m.MessagesReceived),
		MessagesConsumed:    atomic.LoadUint64(&m.MessagesConsumed),
		MessagesFailed:      atomic.LoadUint64(&m.MessagesFailed),
		MessagesFiltered:    atomic.LoadUint64(&m.MessagesFiltered),
		MessagesAbandoned:   atomic.LoadUint64(&m.MessagesAbandoned),
		AckCount:            atomic.LoadUint64(&m.AckCount),
		AckFailures:         atomic.LoadUint64(&m.AckFailures),
		NackCount:           atomic.LoadUint64(&m.NackCount),
		NackFailures:        atomic.LoadUint64(&m.NackFailures),
		TotalProcessLatency: atomic.LoadUint64(&m.TotalProcessLatency),
	}
}
