// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-memory broker that serves the consumer RPCs
// over HTTP for tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmq-consumer/internal/clock"
	"github.com/absmach/fluxmq-consumer/transport"
	"github.com/absmach/fluxmq-consumer/types"
	"github.com/google/uuid"
)

// Broker errors.
var (
	ErrUnknownTopic     = errors.New("unknown topic")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrStaleHandle      = errors.New("receipt handle expired or unknown")
)

type storedMessage struct {
	msg       transport.Message
	visibleAt time.Time
	handle    string
	acked     bool
}

type partition struct {
	messages []*storedMessage
	mode     string
}

// Broker is a single-group pop broker. Filter expressions are recorded but not
// evaluated, so tag filtering is left to the consumer.
type Broker struct {
	clk clock.Clock

	mu       sync.Mutex
	endpoint string
	topics   map[string][]*partition
	handles  map[string]*storedMessage
	attempts map[string][]transport.Message
	requests []transport.ReceiveMessageRequest
	acked    []string
	nacks    []transport.ChangeInvisibleDurationRequest
	queries  int

	receiveErrs []error
	ackErrs     []error
	notify      chan struct{}
}

var _ transport.MessagingService = (*Broker)(nil)

// NewBroker creates an empty broker. A nil clock uses the wall clock.
func NewBroker(clk clock.Clock) *Broker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Broker{
		clk:      clk,
		topics:   make(map[string][]*partition),
		handles:  make(map[string]*storedMessage),
		attempts: make(map[string][]transport.Message),
		notify:   make(chan struct{}),
	}
}

// Serve starts an HTTP server for the broker and returns its host:port endpoint.
func (b *Broker) Serve(t testing.TB) string {
	t.Helper()

	mux := http.NewServeMux()
	path, h := transport.NewHandler(b)
	mux.Handle(path, h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	endpoint := strings.TrimPrefix(srv.URL, "http://")
	b.mu.Lock()
	b.endpoint = endpoint
	b.mu.Unlock()
	return endpoint
}

// CreateTopic creates or resizes a topic. Shrinking drops the trailing partitions.
func (b *Broker) CreateTopic(topic string, partitions int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts := b.topics[topic]
	for len(parts) < partitions {
		parts = append(parts, &partition{mode: types.ModeNamePop})
	}
	b.topics[topic] = parts[:partitions]
}

// SetMode overrides the receive mode name reported for a partition.
func (b *Broker) SetMode(topic string, queueID int32, mode string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.partition(topic, queueID)
	if err != nil {
		return err
	}
	p.mode = mode
	return nil
}

// Publish appends a message to a partition and returns its id.
func (b *Broker) Publish(topic string, queueID int32, tag string, body []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.partition(topic, queueID)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	p.messages = append(p.messages, &storedMessage{
		msg: transport.Message{
			ID:            id,
			Topic:         topic,
			Tag:           tag,
			Body:          body,
			BornTimestamp: b.clk.Now(),
		},
		visibleAt: b.clk.Now(),
	})
	b.wakeLocked()
	return id, nil
}

// FailReceives makes the next n receive calls fail with code.
func (b *Broker) FailReceives(code transport.Code, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.receiveErrs = append(b.receiveErrs, transport.NewError(code, fmt.Errorf("injected %s", code)))
	}
}

// FailAcks makes the next n ack calls fail with code.
func (b *Broker) FailAcks(code transport.Code, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.ackErrs = append(b.ackErrs, transport.NewError(code, fmt.Errorf("injected %s", code)))
	}
}

// Requests returns a copy of the receive requests seen so far.
func (b *Broker) Requests() []transport.ReceiveMessageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.ReceiveMessageRequest(nil), b.requests...)
}

// Acked returns the ids of acknowledged messages in ack order.
func (b *Broker) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

// Nacks returns a copy of the invisibility change requests seen so far.
func (b *Broker) Nacks() []transport.ChangeInvisibleDurationRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.ChangeInvisibleDurationRequest(nil), b.nacks...)
}

// Queries returns the number of assignment queries served.
func (b *Broker) Queries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries
}

// Backlog returns the number of unacknowledged messages in a topic.
func (b *Broker) Backlog(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, p := range b.topics[topic] {
		for _, m := range p.messages {
			if !m.acked {
				n++
			}
		}
	}
	return n
}

// ReceiveMessage pops visible messages, long-polling until one arrives or the
// polling timeout elapses. A repeated attempt id returns the batch it popped before.
func (b *Broker) ReceiveMessage(ctx context.Context, req *transport.ReceiveMessageRequest) (*transport.ReceiveMessageResponse, error) {
	var deadline <-chan time.Time
	if poll := req.LongPollingTimeout.AsDuration(); req.LongPollingTimeout != nil && poll > 0 {
		timer := time.NewTimer(poll)
		defer timer.Stop()
		deadline = timer.C
	}

	b.mu.Lock()
	b.requests = append(b.requests, *req)
	if len(b.receiveErrs) > 0 {
		err := b.receiveErrs[0]
		b.receiveErrs = b.receiveErrs[1:]
		b.mu.Unlock()
		return nil, err
	}
	if batch, ok := b.attempts[req.AttemptID]; ok && req.AttemptID != "" {
		b.mu.Unlock()
		return &transport.ReceiveMessageResponse{Messages: batch}, nil
	}
	b.mu.Unlock()

	for {
		b.mu.Lock()
		batch, err := b.popLocked(req)
		notify := b.notify
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 || deadline == nil {
			return &transport.ReceiveMessageResponse{Messages: batch}, nil
		}

		select {
		case <-notify:
		case <-deadline:
			return &transport.ReceiveMessageResponse{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Broker) popLocked(req *transport.ReceiveMessageRequest) ([]transport.Message, error) {
	p, err := b.partition(req.MessageQueue.Topic, req.MessageQueue.ID)
	if err != nil {
		return nil, err
	}

	now := b.clk.Now()
	invisible := req.InvisibleDuration.AsDuration()
	var batch []transport.Message
	for _, m := range p.messages {
		if len(batch) >= int(req.BatchSize) {
			break
		}
		if m.acked || m.visibleAt.After(now) {
			continue
		}
		delete(b.handles, m.handle)
		m.handle = uuid.NewString()
		m.visibleAt = now.Add(invisible)
		m.msg.DeliveryAttempt++
		m.msg.ReceiptHandle = m.handle
		b.handles[m.handle] = m
		batch = append(batch, m.msg)
	}
	if len(batch) > 0 && req.AttemptID != "" {
		b.attempts[req.AttemptID] = batch
	}
	return batch, nil
}

// QueryAssignment assigns every partition of the topic to the caller.
func (b *Broker) QueryAssignment(_ context.Context, req *transport.QueryAssignmentRequest) (*transport.QueryAssignmentResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queries++
	parts, ok := b.topics[req.Topic]
	if !ok {
		return nil, transport.NewError(transport.CodeNotFound, fmt.Errorf("%w: %s", ErrUnknownTopic, req.Topic))
	}
	res := &transport.QueryAssignmentResponse{}
	for i, p := range parts {
		res.Assignments = append(res.Assignments, types.LoadAssignment{
			Partition: types.PartitionDescriptor{
				Topic:  req.Topic,
				Broker: types.BrokerDescriptor{Name: "broker-0", Endpoint: b.endpoint},
				ID:     int32(i),
			},
			Mode: p.mode,
		})
	}
	return res, nil
}

// AckMessage acknowledges a message by its current receipt handle.
func (b *Broker) AckMessage(_ context.Context, req *transport.AckMessageRequest) (*transport.AckMessageResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ackErrs) > 0 {
		err := b.ackErrs[0]
		b.ackErrs = b.ackErrs[1:]
		return nil, err
	}
	m, ok := b.handles[req.ReceiptHandle]
	if !ok || m.msg.ID != req.MessageID {
		return nil, transport.NewError(transport.CodeInvalidArgument, ErrStaleHandle)
	}
	delete(b.handles, req.ReceiptHandle)
	m.acked = true
	b.acked = append(b.acked, m.msg.ID)
	return &transport.AckMessageResponse{}, nil
}

// ChangeInvisibleDuration moves the redelivery time of a leased message.
func (b *Broker) ChangeInvisibleDuration(_ context.Context, req *transport.ChangeInvisibleDurationRequest) (*transport.ChangeInvisibleDurationResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.handles[req.ReceiptHandle]
	if !ok || m.msg.ID != req.MessageID {
		return nil, transport.NewError(transport.CodeInvalidArgument, ErrStaleHandle)
	}
	b.nacks = append(b.nacks, *req)
	delete(b.handles, req.ReceiptHandle)
	m.handle = uuid.NewString()
	m.msg.ReceiptHandle = m.handle
	m.visibleAt = b.clk.Now().Add(req.InvisibleDuration.AsDuration())
	b.handles[m.handle] = m
	b.wakeLocked()
	return &transport.ChangeInvisibleDurationResponse{ReceiptHandle: m.handle}, nil
}

func (b *Broker) partition(topic string, queueID int32) (*partition, error) {
	parts, ok := b.topics[topic]
	if !ok {
		return nil, transport.NewError(transport.CodeNotFound, fmt.Errorf("%w: %s", ErrUnknownTopic, topic))
	}
	if queueID < 0 || int(queueID) >= len(parts) {
		return nil, transport.NewError(transport.CodeNotFound, fmt.Errorf("%w: %s-%d", ErrUnknownPartition, topic, queueID))
	}
	return parts[queueID], nil
}

func (b *Broker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}
