// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/absmach/fluxmq-consumer/internal/clock"
	"github.com/absmach/fluxmq-consumer/transport"
	"github.com/absmach/fluxmq-consumer/types"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel/metric"
)

// Default values.
const (
	DefaultMaxCachedMessageQuantity = 1024
	DefaultMaxCachedMessageMemory   = 64 * 1024 * 1024
	DefaultReceiveBatchSize         = 32
	DefaultInvisibleDuration        = 30 * time.Second
	DefaultPollingTimeout           = 30 * time.Second
	DefaultRequestTimeout           = 3 * time.Second
	DefaultConsumptionWorkers       = 20
	DefaultAssignmentInterval       = 5 * time.Second
	DefaultHousekeepingInterval     = 10 * time.Second
	DefaultMaxDeliveryAttempts      = 16
	DefaultReceiveRateBurst         = 1
)

var groupPattern = regexp.MustCompile(`^[%a-zA-Z0-9_-]+$`)

// Options configures a PushConsumer.
type Options struct {
	// Identity
	Endpoints []string // Broker endpoints (host:port) used for assignment queries
	ClientID  string   // Client identifier sent with assignment queries
	Group     string   // Consumer group

	// Subscriptions maps a topic to the filter applied to it.
	Subscriptions map[string]types.FilterExpression

	// Flow control
	MaxCachedMessageQuantity int64 // Per-partition cached message limit (> 0)
	MaxCachedMessageMemory   int64 // Per-partition cached body bytes limit (0 disables)

	// Receive
	ReceiveBatchSize  int32         // Messages requested per receive
	InvisibleDuration time.Duration // Lease time of popped messages
	PollingTimeout    time.Duration // Broker long-polling window
	RequestTimeout    time.Duration // Base RPC timeout
	ReceiveRateLimit  float64       // Receive requests per second per broker (0 = unlimited)
	ReceiveRateBurst  int           // Burst allowed by the receive rate limit

	// Consumption
	Listener            Listener // Receives every message that passes the filter
	ConsumptionWorkers  int      // Concurrent listener invocations
	MaxDeliveryAttempts int32    // Delivery attempt at which nack backoff stops growing

	// Housekeeping
	AssignmentInterval   time.Duration // Period of assignment queries
	HousekeepingInterval time.Duration // Period of expiration checks

	// Advanced
	Transport     transport.Manager    // RPC manager (nil creates a Connect manager)
	Compression   bool                 // zstd-compress requests of the default manager
	MeterProvider metric.MeterProvider // nil uses the global provider
	Logger        *slog.Logger         // nil uses slog.Default()
	Clock         clock.Clock          // nil uses the wall clock
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Endpoints:                []string{"localhost:8081"},
		ClientID:                 xid.New().String(),
		Subscriptions:            make(map[string]types.FilterExpression),
		MaxCachedMessageQuantity: DefaultMaxCachedMessageQuantity,
		MaxCachedMessageMemory:   DefaultMaxCachedMessageMemory,
		ReceiveBatchSize:         DefaultReceiveBatchSize,
		InvisibleDuration:        DefaultInvisibleDuration,
		PollingTimeout:           DefaultPollingTimeout,
		RequestTimeout:           DefaultRequestTimeout,
		ReceiveRateBurst:         DefaultReceiveRateBurst,
		ConsumptionWorkers:       DefaultConsumptionWorkers,
		MaxDeliveryAttempts:      DefaultMaxDeliveryAttempts,
		AssignmentInterval:       DefaultAssignmentInterval,
		HousekeepingInterval:     DefaultHousekeepingInterval,
	}
}

// SetEndpoints sets the broker endpoints.
func (o *Options) SetEndpoints(endpoints ...string) *Options {
	o.Endpoints = endpoints
	return o
}

// SetClientID sets the client identifier.
func (o *Options) SetClientID(id string) *Options {
	o.ClientID = id
	return o
}

// SetGroup sets the consumer group.
func (o *Options) SetGroup(group string) *Options {
	o.Group = group
	return o
}

// Subscribe adds or replaces the filter of a topic.
func (o *Options) Subscribe(topic string, filter types.FilterExpression) *Options {
	if o.Subscriptions == nil {
		o.Subscriptions = make(map[string]types.FilterExpression)
	}
	o.Subscriptions[topic] = filter
	return o
}

// SetMaxCachedMessageQuantity sets the per-partition cached message limit.
func (o *Options) SetMaxCachedMessageQuantity(n int64) *Options {
	o.MaxCachedMessageQuantity = n
	return o
}

// SetMaxCachedMessageMemory sets the per-partition cached body bytes limit.
// 0 disables the memory check.
func (o *Options) SetMaxCachedMessageMemory(bytes int64) *Options {
	o.MaxCachedMessageMemory = bytes
	return o
}

// SetReceiveBatchSize sets the number of messages requested per receive.
func (o *Options) SetReceiveBatchSize(n int32) *Options {
	o.ReceiveBatchSize = n
	return o
}

// SetInvisibleDuration sets the lease time of popped messages.
func (o *Options) SetInvisibleDuration(d time.Duration) *Options {
	o.InvisibleDuration = d
	return o
}

// SetPollingTimeout sets the broker long-polling window.
func (o *Options) SetPollingTimeout(d time.Duration) *Options {
	o.PollingTimeout = d
	return o
}

// SetRequestTimeout sets the base RPC timeout.
func (o *Options) SetRequestTimeout(d time.Duration) *Options {
	o.RequestTimeout = d
	return o
}

// SetReceiveRateLimit limits receive requests per broker.
func (o *Options) SetReceiveRateLimit(perSecond float64, burst int) *Options {
	o.ReceiveRateLimit = perSecond
	o.ReceiveRateBurst = burst
	return o
}

// SetListener sets the message listener.
func (o *Options) SetListener(l Listener) *Options {
	o.Listener = l
	return o
}

// SetConsumptionWorkers sets the number of concurrent listener invocations.
func (o *Options) SetConsumptionWorkers(n int) *Options {
	o.ConsumptionWorkers = n
	return o
}

// SetMaxDeliveryAttempts sets the delivery attempt at which nack backoff stops growing.
func (o *Options) SetMaxDeliveryAttempts(n int32) *Options {
	o.MaxDeliveryAttempts = n
	return o
}

// SetAssignmentInterval sets the period of assignment queries.
func (o *Options) SetAssignmentInterval(d time.Duration) *Options {
	o.AssignmentInterval = d
	return o
}

// SetHousekeepingInterval sets the period of expiration checks.
func (o *Options) SetHousekeepingInterval(d time.Duration) *Options {
	o.HousekeepingInterval = d
	return o
}

// SetTransport sets the RPC manager.
func (o *Options) SetTransport(m transport.Manager) *Options {
	o.Transport = m
	return o
}

// SetCompression enables zstd request compression on the default manager.
func (o *Options) SetCompression(enabled bool) *Options {
	o.Compression = enabled
	return o
}

// SetMeterProvider sets the meter provider used for consumption instruments.
func (o *Options) SetMeterProvider(mp metric.MeterProvider) *Options {
	o.MeterProvider = mp
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetClock sets the clock used for idle tracking and retry pacing.
func (o *Options) SetClock(c clock.Clock) *Options {
	o.Clock = c
	return o
}

// Validate checks the options and fills unset optional fields.
func (o *Options) Validate() error {
	if len(o.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	if o.Group == "" {
		return ErrEmptyGroup
	}
	if !groupPattern.MatchString(o.Group) {
		return ErrInvalidGroup
	}
	if len(o.Subscriptions) == 0 {
		return ErrNoSubscriptions
	}
	for topic, filter := range o.Subscriptions {
		if topic == "" {
			return fmt.Errorf("%w: empty topic", ErrInvalidSubscription)
		}
		if err := filter.Validate(); err != nil {
			return fmt.Errorf("%w: topic %s: %v", ErrInvalidSubscription, topic, err)
		}
	}
	if o.MaxCachedMessageQuantity <= 0 {
		return ErrInvalidQuantity
	}
	if o.MaxCachedMessageMemory < 0 {
		return ErrInvalidMemory
	}
	if o.ReceiveBatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if o.InvisibleDuration <= 0 || o.PollingTimeout <= 0 || o.RequestTimeout <= 0 ||
		o.AssignmentInterval <= 0 || o.HousekeepingInterval <= 0 {
		return ErrInvalidTimeout
	}
	if o.ConsumptionWorkers <= 0 {
		return ErrInvalidWorkers
	}
	if o.ReceiveRateLimit < 0 {
		return ErrInvalidRateLimit
	}
	if o.Listener == nil {
		return ErrNoListener
	}
	if o.ClientID == "" {
		o.ClientID = xid.New().String()
	}
	if o.ReceiveRateBurst <= 0 {
		o.ReceiveRateBurst = DefaultReceiveRateBurst
	}
	if o.MaxDeliveryAttempts <= 0 {
		o.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	return nil
}
