// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxmq-consumer/internal/clock"
	"github.com/absmach/fluxmq-consumer/transport"
	"github.com/absmach/fluxmq-consumer/types"
	"github.com/stretchr/testify/require"
)

var testPartition = types.Partition{Topic: "orders", Broker: "127.0.0.1:8081", QueueID: 1}

type receiveCall struct {
	endpoint string
	req      *transport.ReceiveMessageRequest
	timeout  time.Duration
	cb       transport.ReceiveCallback
}

// fakeManager records calls. Receives are completed by the test through the recorded callback.
type fakeManager struct {
	receives chan receiveCall

	mu          sync.Mutex
	acks        []*transport.AckMessageRequest
	nacks       []*transport.ChangeInvisibleDurationRequest
	ackErr      error
	assignments map[string][]types.LoadAssignment
	closed      bool
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		receives:    make(chan receiveCall, 64),
		assignments: make(map[string][]types.LoadAssignment),
	}
}

func (f *fakeManager) ReceiveMessage(_ context.Context, endpoint string, req *transport.ReceiveMessageRequest, timeout time.Duration, cb transport.ReceiveCallback) {
	f.receives <- receiveCall{endpoint: endpoint, req: req, timeout: timeout, cb: cb}
}

func (f *fakeManager) QueryAssignment(_ context.Context, _ string, req *transport.QueryAssignmentRequest, _ time.Duration) (*transport.QueryAssignmentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &transport.QueryAssignmentResponse{Assignments: f.assignments[req.Topic]}, nil
}

func (f *fakeManager) AckMessage(_ context.Context, _ string, req *transport.AckMessageRequest, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acks = append(f.acks, req)
	return nil
}

func (f *fakeManager) ChangeInvisibleDuration(_ context.Context, _ string, req *transport.ChangeInvisibleDurationRequest, _ time.Duration) (*transport.ChangeInvisibleDurationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, req)
	return &transport.ChangeInvisibleDurationResponse{ReceiptHandle: req.ReceiptHandle}, nil
}

func (f *fakeManager) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeManager) setAssignments(topic string, ids ...int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.LoadAssignment
	for _, id := range ids {
		out = append(out, types.LoadAssignment{
			Partition: types.PartitionDescriptor{Topic: topic, Broker: types.BrokerDescriptor{Endpoint: testPartition.Broker}, ID: id},
			Mode:      types.ModeNamePop,
		})
	}
	f.assignments[topic] = out
}

func (f *fakeManager) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

func (f *fakeManager) nackRequests() []*transport.ChangeInvisibleDurationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.ChangeInvisibleDurationRequest(nil), f.nacks...)
}

// next returns the next recorded receive or fails the test.
func (f *fakeManager) next(t *testing.T) receiveCall {
	t.Helper()
	select {
	case c := <-f.receives:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no receive request dispatched")
		return receiveCall{}
	}
}

// none asserts that no receive is pending.
func (f *fakeManager) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.receives:
		t.Fatalf("unexpected receive request with attempt id %s", c.req.AttemptID)
	default:
	}
}

type fakeOwner struct {
	live      atomic.Bool
	subs      map[string]subscription
	mgr       *fakeManager
	counters  *Metrics
	delay     time.Duration
	mu        sync.Mutex
	delivered [][]*types.Message
}

func newFakeOwner() *fakeOwner {
	o := &fakeOwner{
		subs:     make(map[string]subscription),
		mgr:      newFakeManager(),
		counters: NewMetrics(),
	}
	o.live.Store(true)
	return o
}

func (o *fakeOwner) owns(*ProcessQueue) bool { return o.live.Load() }

func (o *fakeOwner) subscription(topic string) (subscription, bool) {
	s, ok := o.subs[topic]
	return s, ok
}

func (o *fakeOwner) transport() transport.Manager { return o.mgr }

func (o *fakeOwner) receiveDelay(string) time.Duration { return o.delay }

func (o *fakeOwner) deliver(_ *ProcessQueue, msgs []*types.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered = append(o.delivered, msgs)
}

func (o *fakeOwner) baseContext() context.Context { return context.Background() }

func (o *fakeOwner) metrics() *Metrics { return o.counters }

func (o *fakeOwner) deliveredBatches() [][]*types.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]*types.Message(nil), o.delivered...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(t *testing.T, clk clock.Clock) *Options {
	t.Helper()
	opts := NewOptions().
		SetGroup("cg").
		Subscribe("orders", types.DefaultFilter).
		SetListener(ListenerFunc(func(context.Context, *types.Message) ConsumeResult { return Success })).
		SetLogger(discardLogger()).
		SetClock(clk)
	require.NoError(t, opts.Validate())
	return opts
}

func newTestQueue(t *testing.T, configure func(*Options)) (*ProcessQueue, *fakeOwner, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts := testOptions(t, clk)
	if configure != nil {
		configure(opts)
	}
	o := newFakeOwner()
	return newProcessQueue(testPartition, o, opts), o, clk
}

func messages(sizes ...int) []*types.Message {
	out := make([]*types.Message, 0, len(sizes))
	for i, size := range sizes {
		out = append(out, &types.Message{
			ID:              string(rune('a' + i)),
			Topic:           testPartition.Topic,
			Body:            make([]byte, size),
			ReceiptHandle:   "rh-" + string(rune('a'+i)),
			DeliveryAttempt: 1,
			Partition:       testPartition,
		})
	}
	return out
}
