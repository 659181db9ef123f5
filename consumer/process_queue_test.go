// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"errors"
	"math/rand/v2"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmq-consumer/transport"
	"github.com/absmach/fluxmq-consumer/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var attemptIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func TestShouldThrottleQuantity(t *testing.T) {
	pq, _, _ := newTestQueue(t, func(o *Options) {
		o.MaxCachedMessageQuantity = 2
	})

	require.True(t, pq.AccountCache(messages(10, 10)))
	assert.True(t, pq.ShouldThrottle())

	pq.Release(10)
	assert.Equal(t, int64(1), pq.CachedMessageQuantity())
	assert.Equal(t, int64(10), pq.CachedMessageMemory())
	assert.False(t, pq.ShouldThrottle())
}

func TestShouldThrottleMemory(t *testing.T) {
	pq, _, _ := newTestQueue(t, func(o *Options) {
		o.MaxCachedMessageQuantity = 100
		o.MaxCachedMessageMemory = 15
	})

	require.True(t, pq.AccountCache(messages(10)))
	assert.False(t, pq.ShouldThrottle())

	require.True(t, pq.AccountCache(messages(5)))
	assert.True(t, pq.ShouldThrottle())

	pq.Release(5)
	assert.False(t, pq.ShouldThrottle())
}

func TestThrottledFollowsCache(t *testing.T) {
	pq, _, _ := newTestQueue(t, func(o *Options) {
		o.MaxCachedMessageQuantity = 2
		o.MaxCachedMessageMemory = 100
	})

	require.True(t, pq.AccountCache(messages(10, 10)))
	assert.True(t, pq.Throttled())

	pq.Release(10)
	assert.False(t, pq.Throttled())

	require.True(t, pq.AccountCache(messages(90)))
	assert.True(t, pq.Throttled())
	assert.Equal(t, pq.ShouldThrottle(), pq.Throttled())
}

func TestShouldThrottleMemoryDisabled(t *testing.T) {
	pq, _, _ := newTestQueue(t, func(o *Options) {
		o.MaxCachedMessageQuantity = 100
		o.MaxCachedMessageMemory = 0
	})

	require.True(t, pq.AccountCache(messages(8<<20, 8<<20)))
	assert.Equal(t, int64(16<<20), pq.CachedMessageMemory())
	assert.False(t, pq.ShouldThrottle())
}

func TestAccountCacheOwnerGone(t *testing.T) {
	pq, owner, _ := newTestQueue(t, nil)
	owner.live.Store(false)

	assert.False(t, pq.AccountCache(messages(10)))
	assert.Zero(t, pq.CachedMessageQuantity())
	assert.Zero(t, pq.CachedMessageMemory())
}

func TestAccountingInterleaved(t *testing.T) {
	pq, _, _ := newTestQueue(t, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				size := rand.IntN(4096)
				msgs := messages(size)
				pq.AccountCache(msgs)
				assert.GreaterOrEqual(t, pq.CachedMessageQuantity(), int64(0))
				assert.GreaterOrEqual(t, pq.CachedMessageMemory(), int64(0))
				pq.Release(msgs[0].BodySize())
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, pq.CachedMessageQuantity())
	assert.Zero(t, pq.CachedMessageMemory())
}

func TestReleaseAfterRetire(t *testing.T) {
	pq, _, _ := newTestQueue(t, nil)
	require.True(t, pq.AccountCache(messages(7)))
	require.True(t, pq.Retire())
	assert.False(t, pq.Retire())

	pq.Release(7)
	assert.Zero(t, pq.CachedMessageQuantity())
	assert.Zero(t, pq.CachedMessageMemory())
	assert.Equal(t, StateRetired, pq.State())
}

func TestExpired(t *testing.T) {
	pq, _, clk := newTestQueue(t, nil)

	clk.Advance(ExpirationThreshold)
	assert.False(t, pq.Expired())

	clk.Advance(time.Millisecond)
	assert.True(t, pq.Expired())
	assert.Equal(t, StateExpired, pq.State())

	pq2, owner2, clk2 := newTestQueue(t, nil)
	clk2.Advance(time.Hour)
	pq2.receiveMessage("")
	owner2.mgr.next(t)
	assert.False(t, pq2.Expired(), "a dispatch resets the idle time")
	assert.Equal(t, StateActive, pq2.State())
}

func TestExpiredIgnoresThrottledQueue(t *testing.T) {
	pq, owner, clk := newTestQueue(t, func(o *Options) {
		o.MaxCachedMessageQuantity = 1
	})
	require.True(t, pq.AccountCache(messages(1)))

	for i := 0; i < 130; i++ {
		clk.Advance(ThrottleRecheckDelay)
		if i == 0 {
			pq.fetchMessageImmediately()
		}
	}
	owner.mgr.none(t)
	assert.False(t, pq.Expired())
	assert.Equal(t, 1, clk.Pending())
}

func TestBuildPopRequest(t *testing.T) {
	pq, owner, _ := newTestQueue(t, func(o *Options) {
		o.ReceiveBatchSize = 16
		o.InvisibleDuration = 1500 * time.Millisecond
		o.PollingTimeout = 20 * time.Second
		o.RequestTimeout = 3 * time.Second
	})

	req := pq.buildPopRequest(owner, "attempt-42")
	assert.Equal(t, "attempt-42", req.request.AttemptID)
	assert.Equal(t, testPartition.Broker, req.endpoint)
	assert.Equal(t, 23*time.Second, req.timeout)

	r := req.request
	assert.Equal(t, "cg", r.Group)
	assert.Equal(t, testPartition.Topic, r.MessageQueue.Topic)
	assert.Equal(t, testPartition.QueueID, r.MessageQueue.ID)
	assert.Equal(t, testPartition.Broker, r.MessageQueue.Broker.Endpoint)
	assert.Equal(t, int32(16), r.BatchSize)
	assert.True(t, r.AutoRenew)
	assert.Equal(t, int64(1), r.InvisibleDuration.GetSeconds())
	assert.Equal(t, int32(500_000_000), r.InvisibleDuration.GetNanos())
	assert.Equal(t, int64(20), r.LongPollingTimeout.GetSeconds())
	assert.Equal(t, transport.FilterExpression{Type: transport.FilterTypeTag, Expression: types.MatchAll}, r.FilterExpression)
}

func TestBuildPopRequestAttemptID(t *testing.T) {
	pq, owner, _ := newTestQueue(t, nil)

	first := pq.buildPopRequest(owner, "").request.AttemptID
	second := pq.buildPopRequest(owner, "").request.AttemptID

	assert.Len(t, first, AttemptIDLength)
	assert.Regexp(t, attemptIDPattern, first)
	assert.Regexp(t, attemptIDPattern, second)
	assert.NotEqual(t, first, second)
}

func TestBuildPopRequestFilter(t *testing.T) {
	pq, owner, _ := newTestQueue(t, nil)

	owner.subs["orders"] = newSubscription(types.NewSQLFilter("amount > 10"))
	r := pq.buildPopRequest(owner, "a").request
	assert.Equal(t, transport.FilterExpression{Type: transport.FilterTypeSQL, Expression: "amount > 10"}, r.FilterExpression)

	owner.subs["orders"] = newSubscription(types.NewTagFilter("created||updated"))
	r = pq.buildPopRequest(owner, "a").request
	assert.Equal(t, transport.FilterExpression{Type: transport.FilterTypeTag, Expression: "created||updated"}, r.FilterExpression)

	delete(owner.subs, "orders")
	r = pq.buildPopRequest(owner, "a").request
	assert.Equal(t, transport.FilterExpression{Type: transport.FilterTypeTag, Expression: types.MatchAll}, r.FilterExpression)
}

func TestReceiveMessageOwnerGone(t *testing.T) {
	pq, owner, _ := newTestQueue(t, nil)
	owner.live.Store(false)

	pq.receiveMessage("")
	pq.fetchMessageImmediately()
	owner.mgr.none(t)
	assert.Zero(t, owner.counters.Snapshot().ReceiveRequests)
}

func TestReceiveMessageRetired(t *testing.T) {
	pq, owner, _ := newTestQueue(t, nil)
	require.True(t, pq.Retire())

	pq.receiveMessage("attempt")
	owner.mgr.none(t)
}

func TestReceiveCompletionSuccess(t *testing.T) {
	pq, owner, _ := newTestQueue(t, nil)

	pq.fetchMessageImmediately()
	call := owner.mgr.next(t)
	assert.Equal(t, testPartition.Broker, call.endpoint)
	assert.Equal(t, DefaultPollingTimeout+DefaultRequestTimeout, call.timeout)

	msgs := messages(3, 4)
	for _, m := range msgs {
		m.Partition = types.Partition{}
	}
	call.cb(&transport.ReceiveResult{Endpoint: call.endpoint, Messages: msgs}, nil)

	assert.Equal(t, int64(2), pq.CachedMessageQuantity())
	assert.Equal(t, int64(7), pq.CachedMessageMemory())

	batches := owner.deliveredBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, "a", batches[0][0].ID)
	assert.Equal(t, testPartition, batches[0][1].Partition)

	next := owner.mgr.next(t)
	assert.NotEqual(t, call.req.AttemptID, next.req.AttemptID)

	snap := owner.counters.Snapshot()
	assert.Equal(t, uint64(2), snap.ReceiveRequests)
	assert.Equal(t, uint64(2), snap.MessagesReceived)
}

func TestReceiveCompletionAfterRetire(t *testing.T) {
	pq, owner, _ := newTestQueue(t, nil)

	pq.fetchMessageImmediately()
	call := owner.mgr.next(t)
	pq.Retire()

	call.cb(&transport.ReceiveResult{Messages: messages(10)}, nil)

	assert.Zero(t, pq.CachedMessageQuantity())
	assert.Empty(t, owner.deliveredBatches())
	owner.mgr.none(t)
}

func TestReceiveRetryPolicy(t *testing.T) {
	t.Run("too many requests keeps attempt id", func(t *testing.T) {
		pq, owner, clk := newTestQueue(t, nil)
		pq.fetchMessageImmediately()
		call := owner.mgr.next(t)

		call.cb(nil, transport.NewError(transport.CodeTooManyRequests, errors.New("slow down")))
		owner.mgr.none(t)
		assert.Equal(t, 1, clk.Pending())

		clk.Advance(TooManyRequestsDelay)
		retry := owner.mgr.next(t)
		assert.Equal(t, call.req.AttemptID, retry.req.AttemptID)
	})

	t.Run("failure keeps attempt id", func(t *testing.T) {
		pq, owner, clk := newTestQueue(t, nil)
		pq.fetchMessageImmediately()
		call := owner.mgr.next(t)

		call.cb(nil, transport.NewError(transport.CodeUnavailable, errors.New("down")))
		clk.Advance(ReceiveFailureDelay - time.Millisecond)
		owner.mgr.none(t)

		clk.Advance(time.Millisecond)
		retry := owner.mgr.next(t)
		assert.Equal(t, call.req.AttemptID, retry.req.AttemptID)
		assert.Equal(t, uint64(1), owner.counters.Snapshot().ReceiveFailures)
	})

	t.Run("no content receives again with a fresh attempt id", func(t *testing.T) {
		pq, owner, clk := newTestQueue(t, nil)
		pq.fetchMessageImmediately()
		call := owner.mgr.next(t)

		call.cb(nil, transport.NewError(transport.CodeNoContent, transport.ErrNoContent))
		next := owner.mgr.next(t)
		assert.NotEqual(t, call.req.AttemptID, next.req.AttemptID)
		assert.Zero(t, clk.Pending())
	})

	t.Run("throttled queue re-checks later", func(t *testing.T) {
		pq, owner, clk := newTestQueue(t, func(o *Options) {
			o.MaxCachedMessageQuantity = 1
		})
		pq.fetchMessageImmediately()
		call := owner.mgr.next(t)

		msgs := messages(5)
		call.cb(&transport.ReceiveResult{Messages: msgs}, nil)
		owner.mgr.none(t)
		assert.Equal(t, uint64(1), owner.counters.Snapshot().ThrottleCount)

		clk.Advance(ThrottleRecheckDelay)
		owner.mgr.none(t)

		pq.Release(msgs[0].BodySize())
		clk.Advance(ThrottleRecheckDelay)
		owner.mgr.next(t)
	})

	t.Run("retry waits for a throttled queue", func(t *testing.T) {
		pq, owner, clk := newTestQueue(t, func(o *Options) {
			o.MaxCachedMessageQuantity = 1
		})
		pq.fetchMessageImmediately()
		call := owner.mgr.next(t)

		call.cb(nil, transport.NewError(transport.CodeTooManyRequests, errors.New("slow down")))
		msgs := messages(5)
		require.True(t, pq.AccountCache(msgs))

		clk.Advance(TooManyRequestsDelay)
		owner.mgr.none(t)
		assert.Equal(t, uint64(1), owner.counters.Snapshot().ThrottleCount)

		pq.Release(msgs[0].BodySize())
		clk.Advance(ThrottleRecheckDelay)
		retry := owner.mgr.next(t)
		assert.Equal(t, call.req.AttemptID, retry.req.AttemptID)
	})

	t.Run("retired queue stops retrying", func(t *testing.T) {
		pq, owner, clk := newTestQueue(t, nil)
		pq.fetchMessageImmediately()
		call := owner.mgr.next(t)

		call.cb(nil, transport.NewError(transport.CodeInternal, errors.New("boom")))
		pq.Retire()
		clk.Advance(ReceiveFailureDelay)
		owner.mgr.none(t)
	})
}

func TestReceiveRateLimitDelay(t *testing.T) {
	pq, owner, clk := newTestQueue(t, nil)
	owner.delay = 250 * time.Millisecond

	pq.fetchMessageImmediately()
	owner.mgr.none(t)

	clk.Advance(250 * time.Millisecond)
	owner.mgr.next(t)
}
