// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/absmach/fluxmq-consumer/assignment"
	"github.com/absmach/fluxmq-consumer/transport"
	"github.com/absmach/fluxmq-consumer/types"
)

// SyncAssignments queries the assignment of every subscribed topic and
// reconciles the process queues with it. A topic whose query or resolution
// fails keeps its current queues.
func (pc *PushConsumer) SyncAssignments(ctx context.Context) error {
	if pc.closed.Load() {
		return ErrConsumerClosed
	}

	topics := pc.topics()
	sort.Strings(topics)

	var errs []error
	for _, topic := range topics {
		assignments, err := pc.queryAssignment(ctx, topic)
		if err != nil {
			errs = append(errs, fmt.Errorf("topic %s: %w", topic, err))
			continue
		}
		if _, ok := pc.subscription(topic); !ok {
			// Unsubscribed while the query was in flight.
			continue
		}
		pc.reconcile(topic, assignments)
	}
	return errors.Join(errs...)
}

func (pc *PushConsumer) queryAssignment(ctx context.Context, topic string) ([]types.Assignment, error) {
	endpoint := assignment.Pick(pc.opts.Endpoints)
	res, err := pc.manager.QueryAssignment(ctx, endpoint, &transport.QueryAssignmentRequest{
		Topic:    topic,
		Group:    pc.opts.Group,
		ClientID: pc.opts.ClientID,
	}, pc.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return pc.resolver.Resolve(res.Assignments)
}

// reconcile retires the queues of topic missing from assignments and creates
// queues for new partitions, in assignment order.
func (pc *PushConsumer) reconcile(topic string, assignments []types.Assignment) {
	pc.rebalanceMu.Lock()
	defer pc.rebalanceMu.Unlock()

	if pc.closed.Load() {
		return
	}

	latest := make(map[types.Partition]struct{}, len(assignments))
	for _, a := range assignments {
		if a.Partition.Topic != topic {
			pc.logger.Warn("ignoring assignment of another topic",
				slog.String("topic", topic),
				slog.String("partition", a.Partition.String()))
			continue
		}
		latest[a.Partition] = struct{}{}
	}

	pc.queues.Range(func(p types.Partition, pq *ProcessQueue) bool {
		if p.Topic != topic {
			return true
		}
		if _, ok := latest[p]; !ok {
			pc.dropQueueLocked(p, "rebalanced")
		}
		return true
	})

	for _, a := range assignments {
		if _, ok := latest[a.Partition]; !ok {
			continue
		}
		if _, ok := pc.queues.Load(a.Partition); ok {
			continue
		}

		pq := newProcessQueue(a.Partition, pc, pc.opts)
		if _, loaded := pc.queues.LoadOrStore(a.Partition, pq); loaded {
			continue
		}
		if a.Mode == types.ModePull {
			pc.logger.Debug("pull assignment served by pop receive",
				slog.String("partition", a.Partition.String()))
		}
		pc.logger.Info("process queue created",
			slog.String("partition", a.Partition.String()),
			slog.String("mode", a.Mode.String()))
		pq.fetchMessageImmediately()
	}
}

// dropQueueLocked removes and retires the queue of p. rebalanceMu must be held.
func (pc *PushConsumer) dropQueueLocked(p types.Partition, reason string) {
	pq, ok := pc.queues.LoadAndDelete(p)
	if !ok {
		return
	}
	pq.Retire()
	pc.logger.Info("process queue retired",
		slog.String("partition", p.String()),
		slog.String("reason", reason),
		slog.Int64("cached_quantity", pq.CachedMessageQuantity()))
}

// Housekeep retires every expired process queue and returns how many were
// retired. The next assignment pass recreates them if they are still assigned.
func (pc *PushConsumer) Housekeep() int {
	pc.rebalanceMu.Lock()
	defer pc.rebalanceMu.Unlock()

	retired := 0
	pc.queues.Range(func(p types.Partition, pq *ProcessQueue) bool {
		if pq.Expired() {
			pc.dropQueueLocked(p, "expired")
			retired++
		}
		return true
	})
	return retired
}
