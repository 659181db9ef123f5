// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"

	"github.com/absmach/fluxmq-consumer/consumer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/fluxmq-consumer/telemetry"

// StatsSource reports the current state of a consumer.
type StatsSource interface {
	Stats() consumer.Stats
}

// ConsumerMetrics holds observable instruments reporting a consumer's stats
// on every collection.
type ConsumerMetrics struct {
	source StatsSource
	group  attribute.KeyValue

	// Gauges
	partitions        metric.Int64ObservableGauge
	throttled         metric.Int64ObservableGauge
	cachedMessages    metric.Int64ObservableGauge
	cachedBytes       metric.Int64ObservableGauge
	partitionIdle     metric.Float64ObservableGauge
	avgProcessLatency metric.Float64ObservableGauge

	// Counters
	receiveRequests  metric.Int64ObservableCounter
	receiveFailures  metric.Int64ObservableCounter
	throttleCount    metric.Int64ObservableCounter
	messagesReceived metric.Int64ObservableCounter
	messagesHandled  metric.Int64ObservableCounter
	acks             metric.Int64ObservableCounter
	nacks            metric.Int64ObservableCounter

	registration metric.Registration
}

// RegisterConsumerMetrics creates the consumer instruments on mp and registers
// a callback reading source. A nil mp uses the global provider.
func RegisterConsumerMetrics(mp metric.MeterProvider, group string, source StatsSource) (*ConsumerMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &ConsumerMetrics{
		source: source,
		group:  attribute.String("consumer_group", group),
	}

	var err error

	// Initialize gauges
	m.partitions, err = meter.Int64ObservableGauge(
		"fluxmq.consumer.partitions",
		metric.WithDescription("Number of live process queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create partitions gauge: %w", err)
	}

	m.throttled, err = meter.Int64ObservableGauge(
		"fluxmq.consumer.partitions.throttled",
		metric.WithDescription("Number of process queues whose local cache is full"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create throttled gauge: %w", err)
	}

	m.cachedMessages, err = meter.Int64ObservableGauge(
		"fluxmq.consumer.cached.messages",
		metric.WithDescription("Messages held in the local cache of a partition"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cachedMessages gauge: %w", err)
	}

	m.cachedBytes, err = meter.Int64ObservableGauge(
		"fluxmq.consumer.cached.bytes",
		metric.WithDescription("Body bytes held in the local cache of a partition"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cachedBytes gauge: %w", err)
	}

	m.partitionIdle, err = meter.Float64ObservableGauge(
		"fluxmq.consumer.partition.idle",
		metric.WithDescription("Time since a partition last issued a receive"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create partitionIdle gauge: %w", err)
	}

	m.avgProcessLatency, err = meter.Float64ObservableGauge(
		"fluxmq.consumer.process.latency.avg",
		metric.WithDescription("Average listener latency since start"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create avgProcessLatency gauge: %w", err)
	}

	// Initialize counters
	m.receiveRequests, err = meter.Int64ObservableCounter(
		"fluxmq.consumer.receive.requests",
		metric.WithDescription("Receive requests dispatched"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiveRequests counter: %w", err)
	}

	m.receiveFailures, err = meter.Int64ObservableCounter(
		"fluxmq.consumer.receive.failures",
		metric.WithDescription("Receive requests that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiveFailures counter: %w", err)
	}

	m.throttleCount, err = meter.Int64ObservableCounter(
		"fluxmq.consumer.receive.throttled",
		metric.WithDescription("Receives postponed because the local cache was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create throttleCount counter: %w", err)
	}

	m.messagesReceived, err = meter.Int64ObservableCounter(
		"fluxmq.consumer.messages.received",
		metric.WithDescription("Messages received into process queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.messagesHandled, err = meter.Int64ObservableCounter(
		"fluxmq.consumer.messages.handled",
		metric.WithDescription("Messages leaving the local cache, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesHandled counter: %w", err)
	}

	m.acks, err = meter.Int64ObservableCounter(
		"fluxmq.consumer.acks",
		metric.WithDescription("Ack requests, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acks counter: %w", err)
	}

	m.nacks, err = meter.Int64ObservableCounter(
		"fluxmq.consumer.nacks",
		metric.WithDescription("Invisibility change requests, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nacks counter: %w", err)
	}

	m.registration, err = meter.RegisterCallback(m.observe,
		m.partitions, m.throttled, m.cachedMessages, m.cachedBytes, m.partitionIdle, m.avgProcessLatency,
		m.receiveRequests, m.receiveFailures, m.throttleCount, m.messagesReceived, m.messagesHandled,
		m.acks, m.nacks,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer metrics callback: %w", err)
	}

	return m, nil
}

func (m *ConsumerMetrics) observe(_ context.Context, o metric.Observer) error {
	stats := m.source.Stats()
	group := metric.WithAttributes(m.group)

	o.ObserveInt64(m.partitions, int64(len(stats.Partitions)), group)
	o.ObserveInt64(m.throttled, int64(stats.Throttled()), group)
	for _, ps := range stats.Partitions {
		attrs := metric.WithAttributes(
			m.group,
			attribute.String("topic", ps.Partition.Topic),
			attribute.Int("queue_id", int(ps.Partition.QueueID)),
			attribute.String("broker", ps.Partition.Broker),
		)
		o.ObserveInt64(m.cachedMessages, ps.CachedQuantity, attrs)
		o.ObserveInt64(m.cachedBytes, ps.CachedMemory, attrs)
		o.ObserveFloat64(m.partitionIdle, ps.Idle.Seconds(), attrs)
	}

	c := stats.Metrics
	o.ObserveFloat64(m.avgProcessLatency, c.GetAverageProcessLatency().Seconds(), group)
	o.ObserveInt64(m.receiveRequests, int64(c.ReceiveRequests), group)
	o.ObserveInt64(m.receiveFailures, int64(c.ReceiveFailures), group)
	o.ObserveInt64(m.throttleCount, int64(c.ThrottleCount), group)
	o.ObserveInt64(m.messagesReceived, int64(c.MessagesReceived), group)

	for outcome, n := range map[string]uint64{
		"consumed":  c.MessagesConsumed,
		"failed":    c.MessagesFailed,
		"filtered":  c.MessagesFiltered,
		"abandoned": c.MessagesAbandoned,
	} {
		o.ObserveInt64(m.messagesHandled, int64(n), metric.WithAttributes(m.group, attribute.String("outcome", outcome)))
	}

	o.ObserveInt64(m.acks, int64(c.AckCount), metric.WithAttributes(m.group, attribute.String("outcome", "ok")))
	o.ObserveInt64(m.acks, int64(c.AckFailures), metric.WithAttributes(m.group, attribute.String("outcome", "error")))
	o.ObserveInt64(m.nacks, int64(c.NackCount), metric.WithAttributes(m.group, attribute.String("outcome", "ok")))
	o.ObserveInt64(m.nacks, int64(c.NackFailures), metric.WithAttributes(m.group, attribute.String("outcome", "error")))
	return nil
}

// Unregister stops reporting.
func (m *ConsumerMetrics) Unregister() error {
	return m.registration.Unregister()
}
