// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/fluxmq-consumer/internal/clock"
	"github.com/absmach/fluxmq-consumer/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOptions() *Options {
	return NewOptions().
		SetGroup("cg").
		Subscribe("orders", types.DefaultFilter).
		SetListener(ListenerFunc(func(context.Context, *types.Message) ConsumeResult { return Success }))
}

func TestNewOptionsDefaults(t *testing.T) {
	o := NewOptions()
	assert.Equal(t, []string{"localhost:8081"}, o.Endpoints)
	assert.NotEmpty(t, o.ClientID)
	assert.Equal(t, int64(DefaultMaxCachedMessageQuantity), o.MaxCachedMessageQuantity)
	assert.Equal(t, int64(DefaultMaxCachedMessageMemory), o.MaxCachedMessageMemory)
	assert.Equal(t, int32(DefaultReceiveBatchSize), o.ReceiveBatchSize)
	assert.Equal(t, DefaultInvisibleDuration, o.InvisibleDuration)
	assert.Equal(t, DefaultPollingTimeout, o.PollingTimeout)
	assert.Equal(t, DefaultRequestTimeout, o.RequestTimeout)
	assert.Equal(t, DefaultConsumptionWorkers, o.ConsumptionWorkers)
	assert.Empty(t, o.Subscriptions)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
		err    error
	}{
		{"valid", func(*Options) {}, nil},
		{"no endpoints", func(o *Options) { o.SetEndpoints() }, ErrNoEndpoints},
		{"empty group", func(o *Options) { o.SetGroup("") }, ErrEmptyGroup},
		{"invalid group", func(o *Options) { o.SetGroup("cg/1") }, ErrInvalidGroup},
		{"percent group", func(o *Options) { o.SetGroup("%RETRY%cg_1") }, nil},
		{"no subscriptions", func(o *Options) { o.Subscriptions = nil }, ErrNoSubscriptions},
		{"empty topic", func(o *Options) { o.Subscribe("", types.DefaultFilter) }, ErrInvalidSubscription},
		{"empty sql", func(o *Options) { o.Subscribe("orders", types.NewSQLFilter("")) }, ErrInvalidSubscription},
		{"zero quantity", func(o *Options) { o.SetMaxCachedMessageQuantity(0) }, ErrInvalidQuantity},
		{"negative memory", func(o *Options) { o.SetMaxCachedMessageMemory(-1) }, ErrInvalidMemory},
		{"memory disabled", func(o *Options) { o.SetMaxCachedMessageMemory(0) }, nil},
		{"zero batch", func(o *Options) { o.SetReceiveBatchSize(0) }, ErrInvalidBatchSize},
		{"zero invisible", func(o *Options) { o.SetInvisibleDuration(0) }, ErrInvalidTimeout},
		{"zero polling", func(o *Options) { o.SetPollingTimeout(0) }, ErrInvalidTimeout},
		{"zero request", func(o *Options) { o.SetRequestTimeout(0) }, ErrInvalidTimeout},
		{"zero assignment interval", func(o *Options) { o.SetAssignmentInterval(0) }, ErrInvalidTimeout},
		{"zero housekeeping interval", func(o *Options) { o.SetHousekeepingInterval(0) }, ErrInvalidTimeout},
		{"zero workers", func(o *Options) { o.SetConsumptionWorkers(0) }, ErrInvalidWorkers},
		{"negative rate", func(o *Options) { o.SetReceiveRateLimit(-1, 1) }, ErrInvalidRateLimit},
		{"no listener", func(o *Options) { o.SetListener(nil) }, ErrNoListener},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOptions()
			tt.modify(o)
			err := o.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestOptionsValidateFillsDefaults(t *testing.T) {
	o := validOptions().SetClientID("").SetMaxDeliveryAttempts(0).SetReceiveRateLimit(10, 0)
	o.Logger = nil
	o.Clock = nil

	require.NoError(t, o.Validate())
	assert.NotEmpty(t, o.ClientID)
	assert.Equal(t, int32(DefaultMaxDeliveryAttempts), o.MaxDeliveryAttempts)
	assert.Equal(t, DefaultReceiveRateBurst, o.ReceiveRateBurst)
	assert.Equal(t, slog.Default(), o.Logger)
	assert.Equal(t, clock.Real{}, o.Clock)
}

func TestOptionsSetters(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	o := validOptions().
		SetEndpoints("a:1", "b:2").
		SetClientID("client-1").
		SetInvisibleDuration(time.Minute).
		SetReceiveRateLimit(5, 3).
		SetCompression(true).
		SetClock(clk)

	assert.Equal(t, []string{"a:1", "b:2"}, o.Endpoints)
	assert.Equal(t, "client-1", o.ClientID)
	assert.Equal(t, time.Minute, o.InvisibleDuration)
	assert.Equal(t, 5.0, o.ReceiveRateLimit)
	assert.Equal(t, 3, o.ReceiveRateBurst)
	assert.True(t, o.Compression)
	assert.Same(t, clk, o.Clock)
}
