// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxmq-consumer/consumer"
	"github.com/absmach/fluxmq-consumer/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type staticSource struct {
	stats consumer.Stats
}

func (s *staticSource) Stats() consumer.Stats { return s.stats }

func collect(t *testing.T, reader sdkmetric.Reader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumByAttr(t *testing.T, data metricdata.Aggregation, key attribute.Key) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	switch d := data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range d.DataPoints {
			v, _ := dp.Attributes.Value(key)
			out[v.Emit()] += dp.Value
		}
	case metricdata.Gauge[int64]:
		for _, dp := range d.DataPoints {
			v, _ := dp.Attributes.Value(key)
			out[v.Emit()] += dp.Value
		}
	default:
		t.Fatalf("unexpected aggregation %T", data)
	}
	return out
}

func TestConsumerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	source := &staticSource{stats: consumer.Stats{
		Partitions: []consumer.PartitionStats{
			{
				Partition:      types.Partition{Topic: "orders", Broker: "127.0.0.1:8081", QueueID: 0},
				State:          consumer.StateActive,
				CachedQuantity: 3,
				CachedMemory:   300,
				Idle:           time.Second,
			},
			{
				Partition:      types.Partition{Topic: "orders", Broker: "127.0.0.1:8081", QueueID: 1},
				State:          consumer.StateActive,
				CachedQuantity: 1024,
				CachedMemory:   2048,
				Throttled:      true,
			},
		},
		Metrics: consumer.Metrics{
			ReceiveRequests:   10,
			ReceiveFailures:   2,
			MessagesReceived:  40,
			MessagesConsumed:  30,
			MessagesFailed:    4,
			MessagesFiltered:  1,
			MessagesAbandoned: 5,
			AckCount:          31,
			AckFailures:       1,
			NackCount:         4,
		},
	}}

	m, err := RegisterConsumerMetrics(provider, "cg", source)
	require.NoError(t, err)

	data := collect(t, reader)

	assert.Equal(t, map[string]int64{"cg": 2}, sumByAttr(t, data["fluxmq.consumer.partitions"], "consumer_group"))
	assert.Equal(t, map[string]int64{"cg": 1}, sumByAttr(t, data["fluxmq.consumer.partitions.throttled"], "consumer_group"))
	assert.Equal(t, map[string]int64{"0": 3, "1": 1024}, sumByAttr(t, data["fluxmq.consumer.cached.messages"], "queue_id"))
	assert.Equal(t, map[string]int64{"orders": 2348}, sumByAttr(t, data["fluxmq.consumer.cached.bytes"], "topic"))
	assert.Equal(t, map[string]int64{"cg": 10}, sumByAttr(t, data["fluxmq.consumer.receive.requests"], "consumer_group"))
	assert.Equal(t, map[string]int64{"cg": 40}, sumByAttr(t, data["fluxmq.consumer.messages.received"], "consumer_group"))
	assert.Equal(t, map[string]int64{"consumed": 30, "failed": 4, "filtered": 1, "abandoned": 5},
		sumByAttr(t, data["fluxmq.consumer.messages.handled"], "outcome"))
	assert.Equal(t, map[string]int64{"ok": 31, "error": 1}, sumByAttr(t, data["fluxmq.consumer.acks"], "outcome"))

	source.stats.Metrics.ReceiveRequests = 12
	data = collect(t, reader)
	assert.Equal(t, map[string]int64{"cg": 12}, sumByAttr(t, data["fluxmq.consumer.receive.requests"], "consumer_group"))

	require.NoError(t, m.Unregister())
}
