// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxmq-consumer/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/fluxmq-consumer/consumer"

// instruments records per-message latencies.
type instruments struct {
	processDuration metric.Float64Histogram
	awaitDuration   metric.Float64Histogram
	group           attribute.KeyValue
}

func newInstruments(mp metric.MeterProvider, group string) (*instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	processDuration, err := meter.Float64Histogram(
		"fluxmq.consumer.process.duration",
		metric.WithDescription("Time spent by the listener on a message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processDuration histogram: %w", err)
	}

	awaitDuration, err := meter.Float64Histogram(
		"fluxmq.consumer.await.duration",
		metric.WithDescription("Time a message waited in the local cache before reaching the listener"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create awaitDuration histogram: %w", err)
	}

	return &instruments{
		processDuration: processDuration,
		awaitDuration:   awaitDuration,
		group:           attribute.String("consumer_group", group),
	}, nil
}

func (i *instruments) recordAwait(ctx context.Context, msg *types.Message, d time.Duration) {
	i.awaitDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("topic", msg.Topic),
		i.group,
	))
}

func (i *instruments) recordProcess(ctx context.Context, msg *types.Message, result ConsumeResult, d time.Duration) {
	i.processDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("topic", msg.Topic),
		attribute.String("invocation_status", result.String()),
		i.group,
	))
}
