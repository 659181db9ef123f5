// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxmq-consumer/types"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/fluxmq-consumer/transport"

// Default values.
const (
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerResetTimeout     = 30 * time.Second
)

// ReceiveCallback is invoked exactly once per ReceiveMessage call.
type ReceiveCallback func(result *ReceiveResult, err error)

// Manager sends consumer RPCs to brokers. It is shared by every process queue of a client.
type Manager interface {
	// ReceiveMessage dispatches a receive request without blocking and
	// reports its outcome through cb on another goroutine. An empty batch is
	// reported as CodeNoContent.
	ReceiveMessage(ctx context.Context, endpoint string, req *ReceiveMessageRequest, timeout time.Duration, cb ReceiveCallback)
	QueryAssignment(ctx context.Context, endpoint string, req *QueryAssignmentRequest, timeout time.Duration) (*QueryAssignmentResponse, error)
	AckMessage(ctx context.Context, endpoint string, req *AckMessageRequest, timeout time.Duration) error
	ChangeInvisibleDuration(ctx context.Context, endpoint string, req *ChangeInvisibleDurationRequest, timeout time.Duration) (*ChangeInvisibleDurationResponse, error)
	Close() error
}

// ManagerOptions configures a ConnectManager.
type ManagerOptions struct {
	HTTPClient              connect.HTTPClient // nil uses http.DefaultClient
	Scheme                  string             // "http" (default) or "https"
	Compression             bool               // zstd-compress requests
	BreakerFailureThreshold uint32             // Consecutive failures that open the breaker
	BreakerResetTimeout     time.Duration      // Time the breaker stays open
	Logger                  *slog.Logger
}

// ConnectManager implements Manager with one Connect client set and one
// circuit breaker per broker endpoint.
type ConnectManager struct {
	opts    ManagerOptions
	clients *xsync.Map[string, *endpointClient]
	tracer  trace.Tracer
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

type endpointClient struct {
	breaker         *gobreaker.CircuitBreaker
	receive         *connect.Client[ReceiveMessageRequest, ReceiveMessageResponse]
	query           *connect.Client[QueryAssignmentRequest, QueryAssignmentResponse]
	ack             *connect.Client[AckMessageRequest, AckMessageResponse]
	changeInvisible *connect.Client[ChangeInvisibleDurationRequest, ChangeInvisibleDurationResponse]
}

var _ Manager = (*ConnectManager)(nil)

// NewConnectManager creates a Manager backed by Connect clients.
func NewConnectManager(opts ManagerOptions) *ConnectManager {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.BreakerFailureThreshold == 0 {
		opts.BreakerFailureThreshold = DefaultBreakerFailureThreshold
	}
	if opts.BreakerResetTimeout <= 0 {
		opts.BreakerResetTimeout = DefaultBreakerResetTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &ConnectManager{
		opts:    opts,
		clients: xsync.NewMap[string, *endpointClient](),
		tracer:  otel.Tracer(tracerName),
		logger:  opts.Logger,
	}
}

func (m *ConnectManager) client(endpoint string) *endpointClient {
	if c, ok := m.clients.Load(endpoint); ok {
		return c
	}

	baseURL := endpoint
	if !strings.Contains(endpoint, "://") {
		baseURL = m.opts.Scheme + "://" + endpoint
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	clientOpts := []connect.ClientOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithAcceptCompression(compressionZstd, newZstdDecompressor, newZstdCompressor),
	}
	if m.opts.Compression {
		clientOpts = append(clientOpts, connect.WithSendCompression(compressionZstd))
	}

	threshold := m.opts.BreakerFailureThreshold
	c := &endpointClient{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        endpoint,
			MaxRequests: 1,
			Timeout:     m.opts.BreakerResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return !countsAsFailure(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.logger.Warn("broker circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
		receive:         connect.NewClient[ReceiveMessageRequest, ReceiveMessageResponse](m.opts.HTTPClient, baseURL+ReceiveMessageProcedure, clientOpts...),
		query:           connect.NewClient[QueryAssignmentRequest, QueryAssignmentResponse](m.opts.HTTPClient, baseURL+QueryAssignmentProcedure, clientOpts...),
		ack:             connect.NewClient[AckMessageRequest, AckMessageResponse](m.opts.HTTPClient, baseURL+AckMessageProcedure, clientOpts...),
		changeInvisible: connect.NewClient[ChangeInvisibleDurationRequest, ChangeInvisibleDurationResponse](m.opts.HTTPClient, baseURL+ChangeInvisibleDurationProcedure, clientOpts...),
	}

	actual, _ := m.clients.LoadOrStore(endpoint, c)
	return actual
}

// ReceiveMessage implements Manager.
func (m *ConnectManager) ReceiveMessage(ctx context.Context, endpoint string, req *ReceiveMessageRequest, timeout time.Duration, cb ReceiveCallback) {
	if m.closed.Load() {
		go cb(nil, &Error{Code: CodeUnavailable, Endpoint: endpoint, Err: ErrClosed})
		return
	}

	c := m.client(endpoint)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		ctx, span := m.tracer.Start(ctx, "ReceiveMessage",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", req.MessageQueue.Topic),
				attribute.Int("messaging.destination.partition.id", int(req.MessageQueue.ID)),
				attribute.String("messaging.consumer.group.name", req.Group),
				attribute.String("server.address", endpoint),
				attribute.String("fluxmq.attempt_id", req.AttemptID),
			))
		defer span.End()

		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.receive.CallUnary(ctx, connect.NewRequest(req))
		})
		if err != nil {
			err = wrap(endpoint, err)
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, CodeOf(err).String())
			cb(nil, err)
			return
		}

		res := out.(*connect.Response[ReceiveMessageResponse])
		if len(res.Msg.Messages) == 0 {
			span.SetAttributes(attribute.Int("messaging.batch.message_count", 0))
			cb(nil, &Error{Code: CodeNoContent, Endpoint: endpoint, Err: ErrNoContent})
			return
		}

		result := &ReceiveResult{
			Endpoint: endpoint,
			Messages: make([]*types.Message, 0, len(res.Msg.Messages)),
		}
		for i := range res.Msg.Messages {
			result.Messages = append(result.Messages, res.Msg.Messages[i].ToMessage())
		}
		span.SetAttributes(attribute.Int("messaging.batch.message_count", len(result.Messages)))
		cb(result, nil)
	}()
}

// QueryAssignment implements Manager.
func (m *ConnectManager) QueryAssignment(ctx context.Context, endpoint string, req *QueryAssignmentRequest, timeout time.Duration) (*QueryAssignmentResponse, error) {
	if m.closed.Load() {
		return nil, &Error{Code: CodeUnavailable, Endpoint: endpoint, Err: ErrClosed}
	}
	c := m.client(endpoint)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.query.CallUnary(ctx, connect.NewRequest(req))
	})
	if err != nil {
		return nil, wrap(endpoint, err)
	}
	return out.(*connect.Response[QueryAssignmentResponse]).Msg, nil
}

// AckMessage implements Manager.
func (m *ConnectManager) AckMessage(ctx context.Context, endpoint string, req *AckMessageRequest, timeout time.Duration) error {
	if m.closed.Load() {
		return &Error{Code: CodeUnavailable, Endpoint: endpoint, Err: ErrClosed}
	}
	c := m.client(endpoint)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return c.ack.CallUnary(ctx, connect.NewRequest(req))
	})
	return wrap(endpoint, err)
}

// ChangeInvisibleDuration implements Manager.
func (m *ConnectManager) ChangeInvisibleDuration(ctx context.Context, endpoint string, req *ChangeInvisibleDurationRequest, timeout time.Duration) (*ChangeInvisibleDurationResponse, error) {
	if m.closed.Load() {
		return nil, &Error{Code: CodeUnavailable, Endpoint: endpoint, Err: ErrClosed}
	}
	c := m.client(endpoint)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.changeInvisible.CallUnary(ctx, connect.NewRequest(req))
	})
	if err != nil {
		return nil, wrap(endpoint, err)
	}
	return out.(*connect.Response[ChangeInvisibleDurationResponse]).Msg, nil
}

// Close rejects new calls and waits for in-flight receives to complete.
func (m *ConnectManager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.wg.Wait()
	return nil
}
