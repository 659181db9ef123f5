// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxmq-consumer/internal/clock"
	"github.com/absmach/fluxmq-consumer/transport"
	"github.com/absmach/fluxmq-consumer/types"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Nack backoff bounds.
const (
	NackBackoffBase = time.Second
	MaxNackBackoff  = 2 * time.Hour
)

type consumeJob struct {
	pq         *ProcessQueue
	msg        *types.Message
	enqueuedAt time.Time
}

// consumeService delivers cached messages to the listener on a fixed pool of
// workers and settles each one with the broker.
type consumeService struct {
	listener       Listener
	manager        transport.Manager
	group          string
	requestTimeout time.Duration
	maxAttempts    int32
	subscriptions  func(topic string) (subscription, bool)
	metrics        *Metrics
	instruments    *instruments
	clk            clock.Clock
	logger         *slog.Logger
	workers        int

	jobs   chan consumeJob
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func newConsumeService(opts *Options, manager transport.Manager, subs func(string) (subscription, bool), metrics *Metrics, inst *instruments) *consumeService {
	ctx, cancel := context.WithCancel(context.Background())
	return &consumeService{
		listener:       opts.Listener,
		manager:        manager,
		group:          opts.Group,
		requestTimeout: opts.RequestTimeout,
		maxAttempts:    opts.MaxDeliveryAttempts,
		subscriptions:  subs,
		metrics:        metrics,
		instruments:    inst,
		clk:            opts.Clock,
		logger:         opts.Logger,
		workers:        opts.ConsumptionWorkers,
		jobs:           make(chan consumeJob, opts.ConsumptionWorkers),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (cs *consumeService) start() {
	for i := 0; i < cs.workers; i++ {
		cs.wg.Add(1)
		go cs.worker()
	}
	cs.logger.Info("consume service started", slog.Int("workers", cs.workers))
}

// submit hands msgs to the workers in order. It blocks while all workers are
// busy; messages that cannot be handed over because the service is stopping
// are released.
func (cs *consumeService) submit(pq *ProcessQueue, msgs []*types.Message) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	now := cs.clk.Now()
	for i, msg := range msgs {
		if cs.closed {
			cs.abandon(pq, msgs[i:])
			return
		}
		select {
		case cs.jobs <- consumeJob{pq: pq, msg: msg, enqueuedAt: now}:
		case <-cs.ctx.Done():
			cs.abandon(pq, msgs[i:])
			return
		}
	}
}

func (cs *consumeService) abandon(pq *ProcessQueue, msgs []*types.Message) {
	for _, msg := range msgs {
		cs.metrics.RecordAbandoned()
		pq.Release(msg.BodySize())
	}
}

func (cs *consumeService) worker() {
	defer cs.wg.Done()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case job := <-cs.jobs:
			cs.process(job)
		}
	}
}

// process settles one message. The message is released exactly once on every path.
func (cs *consumeService) process(job consumeJob) {
	pq, msg := job.pq, job.msg
	defer pq.Release(msg.BodySize())

	if !pq.owned() {
		cs.metrics.RecordAbandoned()
		cs.logger.Debug("process queue retired, abandoning message",
			slog.String("partition", pq.partition.String()),
			slog.String("message_id", msg.ID))
		return
	}

	if sub, ok := cs.subscriptions(msg.Topic); ok && !sub.accepts(msg.Tag) {
		cs.metrics.RecordFiltered()
		cs.logger.Debug("message tag does not match filter, acknowledging",
			slog.String("message_id", msg.ID),
			slog.String("tag", msg.Tag),
			slog.String("filter", sub.filter.String()))
		cs.ack(msg)
		return
	}

	start := cs.clk.Now()
	cs.instruments.recordAwait(cs.ctx, msg, start.Sub(job.enqueuedAt))

	result := cs.invoke(msg)

	latency := cs.clk.Now().Sub(start)
	cs.metrics.RecordConsumed(result, latency)
	cs.instruments.recordProcess(cs.ctx, msg, result, latency)

	if result == Success {
		cs.ack(msg)
		return
	}
	cs.nack(msg)
}

func (cs *consumeService) invoke(msg *types.Message) (result ConsumeResult) {
	defer func() {
		if r := recover(); r != nil {
			cs.logger.Error("message listener panicked",
				slog.String("message_id", msg.ID),
				slog.String("topic", msg.Topic),
				slog.String("panic", fmt.Sprint(r)))
			result = Failure
		}
	}()
	return cs.listener.Consume(cs.ctx, msg)
}

func (cs *consumeService) ack(msg *types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), cs.requestTimeout)
	defer cancel()

	err := cs.manager.AckMessage(ctx, msg.Partition.Broker, &transport.AckMessageRequest{
		Group:         cs.group,
		Topic:         msg.Topic,
		MessageID:     msg.ID,
		ReceiptHandle: msg.ReceiptHandle,
	}, cs.requestTimeout)
	cs.metrics.RecordAck(err)
	if err != nil {
		cs.logger.Warn("failed to ack message, it will be redelivered",
			slog.String("message_id", msg.ID),
			slog.String("endpoint", msg.Partition.Broker),
			slog.String("error", err.Error()))
	}
}

func (cs *consumeService) nack(msg *types.Message) {
	delay := nackDelay(msg.DeliveryAttempt, cs.maxAttempts)

	ctx, cancel := context.WithTimeout(context.Background(), cs.requestTimeout)
	defer cancel()

	_, err := cs.manager.ChangeInvisibleDuration(ctx, msg.Partition.Broker, &transport.ChangeInvisibleDurationRequest{
		Group:             cs.group,
		Topic:             msg.Topic,
		MessageID:         msg.ID,
		ReceiptHandle:     msg.ReceiptHandle,
		InvisibleDuration: durationpb.New(delay),
	}, cs.requestTimeout)
	cs.metrics.RecordNack(err)
	if err != nil {
		cs.logger.Warn("failed to change invisible duration",
			slog.String("message_id", msg.ID),
			slog.String("endpoint", msg.Partition.Broker),
			slog.String("error", err.Error()))
		return
	}
	cs.logger.Debug("message will be redelivered",
		slog.String("message_id", msg.ID),
		slog.Int("delivery_attempt", int(msg.DeliveryAttempt)),
		slog.Duration("retry_after", delay))
}

// nackDelay doubles NackBackoffBase per delivery attempt up to maxAttempts,
// capped at MaxNackBackoff.
func nackDelay(attempt, maxAttempts int32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if maxAttempts > 0 && attempt > maxAttempts {
		attempt = maxAttempts
	}
	if attempt > 32 {
		return MaxNackBackoff
	}
	d := NackBackoffBase << (attempt - 1)
	if d <= 0 || d > MaxNackBackoff {
		return MaxNackBackoff
	}
	return d
}

// stop cancels the workers and releases every message still queued.
func (cs *consumeService) stop(ctx context.Context) error {
	cs.cancel()

	cs.mu.Lock()
	cs.closed = true
	cs.mu.Unlock()

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		cs.logger.Info("consume service stopped")
	case <-ctx.Done():
		err = ctx.Err()
		cs.logger.Warn("consume service shutdown timeout, listeners still running")
	}

	for {
		select {
		case job := <-cs.jobs:
			cs.abandon(job.pq, []*types.Message{job.msg})
		default:
			return err
		}
	}
}
