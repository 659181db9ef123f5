// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxmq-consumer/transport"
)

// Receive pacing.
const (
	ThrottleRecheckDelay = time.Second
	TooManyRequestsDelay = 20 * time.Millisecond
	ReceiveFailureDelay  = time.Second
)

// fetchMessageImmediately starts a receive with a fresh attempt id.
func (pq *ProcessQueue) fetchMessageImmediately() {
	pq.checkThrottleThenReceive("")
}

// checkThrottleThenReceive issues a receive unless the queue is throttled, in
// which case it re-checks after ThrottleRecheckDelay. An empty attemptID
// requests a fresh one.
func (pq *ProcessQueue) checkThrottleThenReceive(attemptID string) {
	o := pq.ownerRef()
	if o == nil {
		pq.logger.Debug("process queue retired, stop fetching")
		return
	}

	if pq.ShouldThrottle() {
		// Throttling is not idleness.
		pq.syncIdleState()
		o.metrics().RecordThrottled()
		pq.clk.AfterFunc(ThrottleRecheckDelay, func() {
			pq.checkThrottleThenReceive(attemptID)
		})
		return
	}

	pq.popMessage(o, attemptID)
}

// receiveMessageLater retries a receive with the same attempt id after delay.
func (pq *ProcessQueue) receiveMessageLater(delay time.Duration, attemptID string) {
	pq.clk.AfterFunc(delay, func() {
		pq.checkThrottleThenReceive(attemptID)
	})
}

// onReceiveOutcome schedules the next receive of the partition.
func (pq *ProcessQueue) onReceiveOutcome(attemptID string, err error) {
	switch code := transport.CodeOf(err); code {
	case transport.CodeOK:
		pq.fetchMessageImmediately()

	case transport.CodeNoContent:
		pq.logger.Debug("no new messages",
			slog.String("attempt_id", attemptID))
		pq.fetchMessageImmediately()

	case transport.CodeTooManyRequests:
		pq.logger.Warn("too many receive requests, retrying",
			slog.String("attempt_id", attemptID),
			slog.Duration("retry_after", TooManyRequestsDelay))
		pq.receiveMessageLater(TooManyRequestsDelay, attemptID)

	default:
		pq.logger.Error("failed to receive messages",
			slog.String("attempt_id", attemptID),
			slog.String("code", code.String()),
			slog.Duration("retry_after", ReceiveFailureDelay),
			slog.String("error", err.Error()))
		if o := pq.ownerRef(); o != nil {
			o.metrics().RecordReceiveFailure()
		}
		pq.receiveMessageLater(ReceiveFailureDelay, attemptID)
	}
}
