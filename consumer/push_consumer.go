// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer implements a pop-style push consumer: one process queue per
// assigned partition receives messages into a bounded local cache and a worker
// pool hands them to the listener.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmq-consumer/assignment"
	"github.com/absmach/fluxmq-consumer/ratelimit"
	"github.com/absmach/fluxmq-consumer/transport"
	"github.com/absmach/fluxmq-consumer/types"
	"github.com/puzpuzpuz/xsync/v4"
)

// PushConsumer owns the process queues of the partitions assigned to it.
type PushConsumer struct {
	opts        *Options
	manager     transport.Manager
	ownsManager bool
	limiter     *ratelimit.BrokerLimiter
	resolver    *assignment.Resolver
	queues      *xsync.Map[types.Partition, *ProcessQueue]
	consume     *consumeService
	counters    *Metrics
	logger      *slog.Logger

	subsMu sync.RWMutex
	subs   map[string]subscription

	// Serializes queue creation and removal.
	rebalanceMu sync.Mutex

	started atomic.Bool
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ owner = (*PushConsumer)(nil)

// NewPushConsumer validates opts and creates a consumer. Call Start to begin receiving.
func NewPushConsumer(opts *Options) (*PushConsumer, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := *opts

	inst, err := newInstruments(o.MeterProvider, o.Group)
	if err != nil {
		return nil, err
	}

	pc := &PushConsumer{
		opts:     &o,
		manager:  o.Transport,
		resolver: assignment.NewResolver(o.Logger),
		queues:   xsync.NewMap[types.Partition, *ProcessQueue](),
		counters: NewMetrics(),
		logger:   o.Logger.With(slog.String("group", o.Group), slog.String("client_id", o.ClientID)),
		subs:     make(map[string]subscription, len(o.Subscriptions)),
		stopCh:   make(chan struct{}),
	}
	for topic, filter := range o.Subscriptions {
		pc.subs[topic] = newSubscription(filter)
	}
	if pc.manager == nil {
		pc.manager = transport.NewConnectManager(transport.ManagerOptions{
			Compression: o.Compression,
			Logger:      o.Logger,
		})
		pc.ownsManager = true
	}
	if o.ReceiveRateLimit > 0 {
		pc.limiter = ratelimit.NewBrokerLimiter(o.ReceiveRateLimit, o.ReceiveRateBurst, ratelimit.DefaultCleanupInterval)
	}
	pc.ctx, pc.cancel = context.WithCancel(context.Background())
	pc.consume = newConsumeService(pc.opts, pc.manager, pc.subscription, pc.counters, inst)

	return pc, nil
}

// Start runs a first assignment pass and launches the assignment and
// housekeeping loops. A failed first pass is retried by the loop.
func (pc *PushConsumer) Start(ctx context.Context) error {
	if pc.closed.Load() {
		return ErrConsumerClosed
	}
	if !pc.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	pc.consume.start()
	if err := pc.SyncAssignments(ctx); err != nil {
		pc.logger.Warn("initial assignment query failed, will retry",
			slog.String("error", err.Error()))
	}

	pc.wg.Add(2)
	go pc.loop(pc.opts.AssignmentInterval, func() {
		if err := pc.SyncAssignments(pc.ctx); err != nil {
			pc.logger.Warn("assignment query failed", slog.String("error", err.Error()))
		}
	})
	go pc.loop(pc.opts.HousekeepingInterval, func() { pc.Housekeep() })

	pc.logger.Info("push consumer started",
		slog.Int("subscriptions", len(pc.opts.Subscriptions)),
		slog.Int("partitions", pc.queues.Size()))
	return nil
}

func (pc *PushConsumer) loop(interval time.Duration, fn func()) {
	defer pc.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-pc.stopCh:
			return
		}
	}
}

// Shutdown stops receiving, retires every process queue and waits for the
// listener workers until ctx is done.
func (pc *PushConsumer) Shutdown(ctx context.Context) error {
	if !pc.closed.CompareAndSwap(false, true) {
		return ErrConsumerClosed
	}
	pc.logger.Info("shutting down push consumer")

	pc.cancel()
	close(pc.stopCh)
	pc.wg.Wait()

	pc.rebalanceMu.Lock()
	pc.queues.Range(func(p types.Partition, pq *ProcessQueue) bool {
		pc.queues.Delete(p)
		pq.Retire()
		return true
	})
	pc.rebalanceMu.Unlock()

	var errs []error
	if pc.started.Load() {
		errs = append(errs, pc.consume.stop(ctx))
	}
	if pc.ownsManager {
		errs = append(errs, pc.manager.Close())
	}
	if pc.limiter != nil {
		pc.limiter.Stop()
	}

	pc.logger.Info("push consumer stopped")
	return errors.Join(errs...)
}

// Subscribe adds or replaces a topic subscription. New partitions are
// picked up by the next assignment pass.
func (pc *PushConsumer) Subscribe(topic string, filter types.FilterExpression) error {
	if pc.closed.Load() {
		return ErrConsumerClosed
	}
	if topic == "" {
		return ErrInvalidSubscription
	}
	if err := filter.Validate(); err != nil {
		return errors.Join(ErrInvalidSubscription, err)
	}

	pc.subsMu.Lock()
	pc.subs[topic] = newSubscription(filter)
	pc.subsMu.Unlock()

	pc.logger.Info("subscribed", slog.String("topic", topic), slog.String("filter", filter.String()))
	return nil
}

// Unsubscribe removes a topic subscription and retires its process queues.
func (pc *PushConsumer) Unsubscribe(topic string) {
	pc.subsMu.Lock()
	delete(pc.subs, topic)
	pc.subsMu.Unlock()

	pc.reconcile(topic, nil)
	pc.logger.Info("unsubscribed", slog.String("topic", topic))
}

func (pc *PushConsumer) topics() []string {
	pc.subsMu.RLock()
	defer pc.subsMu.RUnlock()

	topics := make([]string, 0, len(pc.subs))
	for topic := range pc.subs {
		topics = append(topics, topic)
	}
	return topics
}

// ProcessQueue returns the live queue of a partition.
func (pc *PushConsumer) ProcessQueue(p types.Partition) (*ProcessQueue, bool) {
	return pc.queues.Load(p)
}

func (pc *PushConsumer) owns(pq *ProcessQueue) bool {
	if pc.closed.Load() {
		return false
	}
	current, ok := pc.queues.Load(pq.partition)
	return ok && current == pq
}

func (pc *PushConsumer) subscription(topic string) (subscription, bool) {
	pc.subsMu.RLock()
	defer pc.subsMu.RUnlock()
	s, ok := pc.subs[topic]
	return s, ok
}

func (pc *PushConsumer) transport() transport.Manager {
	return pc.manager
}

func (pc *PushConsumer) receiveDelay(endpoint string) time.Duration {
	if pc.limiter == nil {
		return 0
	}
	return pc.limiter.Delay(endpoint)
}

func (pc *PushConsumer) deliver(pq *ProcessQueue, msgs []*types.Message) {
	pc.consume.submit(pq, msgs)
}

func (pc *PushConsumer) baseContext() context.Context {
	return pc.ctx
}

func (pc *PushConsumer) metrics() *Metrics {
	return pc.counters
}
