// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmq-consumer/internal/clock"
	"github.com/absmach/fluxmq-consumer/transport"
	"github.com/absmach/fluxmq-consumer/types"
)

// ExpirationThreshold is the idle time after which a process queue is expired.
const ExpirationThreshold = 120 * time.Second

// owner is the handle a process queue holds on the consumer that created it.
// It never implies ownership: owns is the single check for whether the queue
// is still live, and every use site treats a false answer as a silent no-op.
type owner interface {
	owns(pq *ProcessQueue) bool
	subscription(topic string) (subscription, bool)
	transport() transport.Manager
	receiveDelay(endpoint string) time.Duration
	deliver(pq *ProcessQueue, msgs []*types.Message)
	baseContext() context.Context
	metrics() *Metrics
}

// ProcessQueue runs the pop receive loop of one partition and accounts for
// the messages it has cached but not yet released.
type ProcessQueue struct {
	partition types.Partition
	owner     owner
	opts      *Options
	clk       clock.Clock
	logger    *slog.Logger
	state     *stateManager

	cachedQuantity atomic.Int64
	cachedMemory   atomic.Int64
	idleSince      atomic.Pointer[time.Time]
}

func newProcessQueue(p types.Partition, o owner, opts *Options) *ProcessQueue {
	pq := &ProcessQueue{
		partition: p,
		owner:     o,
		opts:      opts,
		clk:       opts.Clock,
		logger:    opts.Logger.With(slog.String("partition", p.String())),
		state:     newStateManager(),
	}
	pq.syncIdleState()
	return pq
}

// Partition returns the partition served by the queue.
func (pq *ProcessQueue) Partition() types.Partition {
	return pq.partition
}

// State returns the lifecycle state.
func (pq *ProcessQueue) State() State {
	return pq.state.get()
}

// CachedMessageQuantity returns the number of cached, unreleased messages.
func (pq *ProcessQueue) CachedMessageQuantity() int64 {
	return pq.cachedQuantity.Load()
}

// CachedMessageMemory returns the body bytes of cached, unreleased messages.
func (pq *ProcessQueue) CachedMessageMemory() int64 {
	return pq.cachedMemory.Load()
}

// IdleDuration returns the time since the last receive dispatch.
func (pq *ProcessQueue) IdleDuration() time.Duration {
	return pq.clk.Now().Sub(*pq.idleSince.Load())
}

// Retire detaches the queue from its owner. Completions arriving afterwards
// are dropped. Returns false if the queue was already retired.
func (pq *ProcessQueue) Retire() bool {
	return pq.state.transitionFrom(StateRetired, StateActive, StateExpired)
}

// ownerRef returns the owner while it still holds this queue, nil otherwise.
func (pq *ProcessQueue) ownerRef() owner {
	if pq.state.isRetired() || !pq.owner.owns(pq) {
		return nil
	}
	return pq.owner
}

func (pq *ProcessQueue) owned() bool {
	return pq.ownerRef() != nil
}

// ShouldThrottle reports whether the cached backlog has reached the quantity
// or memory threshold. A zero memory threshold disables the memory check.
func (pq *ProcessQueue) ShouldThrottle() bool {
	quantity, memory := pq.cachedQuantity.Load(), pq.cachedMemory.Load()
	if quantity >= pq.opts.MaxCachedMessageQuantity {
		pq.logger.Info("cached message quantity exceeds the threshold",
			slog.Int64("quantity", quantity),
			slog.Int64("threshold", pq.opts.MaxCachedMessageQuantity))
		return true
	}
	if threshold := pq.opts.MaxCachedMessageMemory; threshold > 0 && memory >= threshold {
		pq.logger.Info("cached message memory exceeds the threshold",
			slog.Int64("memory", memory),
			slog.Int64("threshold", threshold))
		return true
	}
	return false
}

// Throttled is ShouldThrottle without logging.
func (pq *ProcessQueue) Throttled() bool {
	if pq.cachedQuantity.Load() >= pq.opts.MaxCachedMessageQuantity {
		return true
	}
	threshold := pq.opts.MaxCachedMessageMemory
	return threshold > 0 && pq.cachedMemory.Load() >= threshold
}

// Expired reports whether no receive has been dispatched for longer than
// ExpirationThreshold, marking the queue expired when it has.
func (pq *ProcessQueue) Expired() bool {
	idle := pq.IdleDuration()
	if idle <= ExpirationThreshold {
		return false
	}

	pq.logger.Warn("process queue is idle, reception may be stuck",
		slog.Duration("idle", idle),
		slog.Duration("threshold", ExpirationThreshold))
	pq.state.transition(StateActive, StateExpired)
	return true
}

func (pq *ProcessQueue) syncIdleState() {
	now := pq.clk.Now()
	pq.idleSince.Store(&now)
}

// AccountCache adds msgs to the cache counters. It does nothing and returns
// false once the queue has lost its owner.
func (pq *ProcessQueue) AccountCache(msgs []*types.Message) bool {
	if !pq.owned() {
		return false
	}
	for _, m := range msgs {
		pq.cachedQuantity.Add(1)
		pq.cachedMemory.Add(int64(m.BodySize()))
	}
	return true
}

// Release removes one message of bodySize bytes from the cache counters.
// It must be called exactly once per accounted message, even after retirement.
func (pq *ProcessQueue) Release(bodySize uint64) {
	pq.cachedQuantity.Add(-1)
	pq.cachedMemory.Add(-int64(bodySize))
}

// receiveMessage pops from the partition, reusing attemptID when it is set.
func (pq *ProcessQueue) receiveMessage(attemptID string) {
	o := pq.ownerRef()
	if o == nil {
		pq.logger.Debug("process queue retired, skipping receive")
		return
	}
	pq.popMessage(o, attemptID)
}

func (pq *ProcessQueue) popMessage(o owner, attemptID string) {
	req := pq.buildPopRequest(o, attemptID)
	pq.syncIdleState()

	if delay := o.receiveDelay(req.endpoint); delay > 0 {
		pq.logger.Debug("receive request delayed by rate limit",
			slog.Duration("delay", delay),
			slog.String("attempt_id", req.request.AttemptID))
		pq.clk.AfterFunc(delay, func() {
			if o := pq.ownerRef(); o != nil {
				pq.dispatch(o, req)
			}
		})
		return
	}
	pq.dispatch(o, req)
}

func (pq *ProcessQueue) dispatch(o owner, req *popRequest) {
	attemptID := req.request.AttemptID
	pq.logger.Debug("receive message",
		slog.String("endpoint", req.endpoint),
		slog.String("attempt_id", attemptID))

	o.metrics().RecordReceiveRequest()
	o.transport().ReceiveMessage(o.baseContext(), req.endpoint, req.request, req.timeout,
		func(result *transport.ReceiveResult, err error) {
			pq.onReceiveCompletion(attemptID, result, err)
		})
}

// onReceiveCompletion runs once per dispatched receive.
func (pq *ProcessQueue) onReceiveCompletion(attemptID string, result *transport.ReceiveResult, err error) {
	o := pq.ownerRef()
	if o == nil {
		pq.logger.Debug("process queue retired, dropping receive result",
			slog.String("attempt_id", attemptID))
		return
	}

	if err == nil && result != nil && len(result.Messages) > 0 {
		for _, m := range result.Messages {
			m.Partition = pq.partition
		}
		if !pq.AccountCache(result.Messages) {
			return
		}
		o.metrics().RecordMessagesReceived(len(result.Messages))
		o.deliver(pq, result.Messages)
	}

	pq.onReceiveOutcome(attemptID, err)
}
