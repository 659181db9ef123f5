// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/fluxmq-consumer/consumer"
	"github.com/absmach/fluxmq-consumer/transport"
	"github.com/absmach/fluxmq-consumer/types"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the consumer process.
type Config struct {
	Consumer        ConsumerConfig  `yaml:"consumer"`
	Transport       TransportConfig `yaml:"transport"`
	Log             LogConfig       `yaml:"log"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

// ConsumerConfig holds push consumer settings.
type ConsumerConfig struct {
	Endpoints     []string                      `yaml:"endpoints"`
	ClientID      string                        `yaml:"client_id"` // Generated when empty
	Group         string                        `yaml:"group"`
	Subscriptions map[string]SubscriptionConfig `yaml:"subscriptions"` // Topic -> filter

	// Per-partition local cache limits
	MaxCachedMessageQuantity int64 `yaml:"max_cached_message_quantity"`
	MaxCachedMessageMemory   int64 `yaml:"max_cached_message_memory"` // 0 disables the memory limit

	// Receive settings
	ReceiveBatchSize  int32         `yaml:"receive_batch_size"`
	InvisibleDuration time.Duration `yaml:"invisible_duration"`
	PollingTimeout    time.Duration `yaml:"polling_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReceiveRateLimit  float64       `yaml:"receive_rate_limit"` // Requests per second per broker, 0 = unlimited
	ReceiveRateBurst  int           `yaml:"receive_rate_burst"`

	ConsumptionWorkers   int           `yaml:"consumption_workers"`
	MaxDeliveryAttempts  int32         `yaml:"max_delivery_attempts"`
	AssignmentInterval   time.Duration `yaml:"assignment_interval"`
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
}

// SubscriptionConfig is the filter of one subscribed topic.
type SubscriptionConfig struct {
	Type       string `yaml:"type"` // TAG or SQL92
	Expression string `yaml:"expression"`
}

// TransportConfig holds broker RPC settings.
type TransportConfig struct {
	Scheme         string               `yaml:"scheme"` // http or https
	Compression    bool                 `yaml:"compression"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds per-broker circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC collector address
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Consumer: ConsumerConfig{
			Endpoints: []string{"localhost:8081"},
			Group:     "default",
			Subscriptions: map[string]SubscriptionConfig{
				"default": {Type: types.FilterTag.String(), Expression: types.MatchAll},
			},
			MaxCachedMessageQuantity: consumer.DefaultMaxCachedMessageQuantity,
			MaxCachedMessageMemory:   consumer.DefaultMaxCachedMessageMemory,
			ReceiveBatchSize:         consumer.DefaultReceiveBatchSize,
			InvisibleDuration:        consumer.DefaultInvisibleDuration,
			PollingTimeout:           consumer.DefaultPollingTimeout,
			RequestTimeout:           consumer.DefaultRequestTimeout,
			ReceiveRateBurst:         consumer.DefaultReceiveRateBurst,
			ConsumptionWorkers:       consumer.DefaultConsumptionWorkers,
			MaxDeliveryAttempts:      consumer.DefaultMaxDeliveryAttempts,
			AssignmentInterval:       consumer.DefaultAssignmentInterval,
			HousekeepingInterval:     consumer.DefaultHousekeepingInterval,
		},
		Transport: TransportConfig{
			Scheme:      "http",
			Compression: false,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: transport.DefaultBreakerFailureThreshold,
				ResetTimeout:     transport.DefaultBreakerResetTimeout,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxmq-consumer",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   false,
			MetricsEnabled:  false,
			TraceSampleRate: 0.1,
			MetricsInterval: 10 * time.Second,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	// Subscriptions from the file replace the default ones.
	cfg.Consumer.Subscriptions = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Consumer.Endpoints) == 0 {
		return fmt.Errorf("consumer.endpoints cannot be empty")
	}
	if c.Consumer.Group == "" {
		return fmt.Errorf("consumer.group cannot be empty")
	}
	if len(c.Consumer.Subscriptions) == 0 {
		return fmt.Errorf("consumer.subscriptions cannot be empty")
	}
	for topic, sub := range c.Consumer.Subscriptions {
		if _, err := sub.Filter(); err != nil {
			return fmt.Errorf("consumer.subscriptions[%s]: %w", topic, err)
		}
	}
	if c.Consumer.MaxCachedMessageQuantity < 1 {
		return fmt.Errorf("consumer.max_cached_message_quantity must be at least 1")
	}
	if c.Consumer.MaxCachedMessageMemory < 0 {
		return fmt.Errorf("consumer.max_cached_message_memory cannot be negative")
	}
	if c.Consumer.ReceiveBatchSize < 1 {
		return fmt.Errorf("consumer.receive_batch_size must be at least 1")
	}
	if c.Consumer.PollingTimeout < time.Second {
		return fmt.Errorf("consumer.polling_timeout must be at least 1 second")
	}
	if c.Consumer.InvisibleDuration < time.Second {
		return fmt.Errorf("consumer.invisible_duration must be at least 1 second")
	}
	if c.Consumer.RequestTimeout <= 0 {
		return fmt.Errorf("consumer.request_timeout must be positive")
	}
	if c.Consumer.ReceiveRateLimit < 0 {
		return fmt.Errorf("consumer.receive_rate_limit cannot be negative")
	}
	if c.Consumer.ConsumptionWorkers < 1 {
		return fmt.Errorf("consumer.consumption_workers must be at least 1")
	}
	if c.Consumer.AssignmentInterval < time.Second {
		return fmt.Errorf("consumer.assignment_interval must be at least 1 second")
	}
	if c.Consumer.HousekeepingInterval < time.Second {
		return fmt.Errorf("consumer.housekeeping_interval must be at least 1 second")
	}

	if c.Transport.Scheme != "http" && c.Transport.Scheme != "https" {
		return fmt.Errorf("transport.scheme must be 'http' or 'https'")
	}
	if c.Transport.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("transport.circuit_breaker.failure_threshold must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// OpenTelemetry validation (only if enabled)
	if c.Telemetry.TracesEnabled || c.Telemetry.MetricsEnabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}
	if c.Telemetry.MetricsEnabled && c.Telemetry.MetricsInterval < time.Second {
		return fmt.Errorf("telemetry.metrics_interval must be at least 1 second")
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown_timeout must be at least 1 second")
	}

	return nil
}

// Filter converts the subscription into a filter expression.
func (s SubscriptionConfig) Filter() (types.FilterExpression, error) {
	ft, err := types.ParseFilterType(s.Type)
	if err != nil {
		return types.FilterExpression{}, err
	}
	var f types.FilterExpression
	switch ft {
	case types.FilterSQL92:
		f = types.NewSQLFilter(s.Expression)
	default:
		f = types.NewTagFilter(s.Expression)
	}
	if err := f.Validate(); err != nil {
		return types.FilterExpression{}, err
	}
	return f, nil
}

// ConsumerOptions maps the consumer section into push consumer options.
// The listener, logger and transport are left for the caller to set.
func (c *Config) ConsumerOptions() (*consumer.Options, error) {
	cc := c.Consumer
	opts := consumer.NewOptions().
		SetEndpoints(cc.Endpoints...).
		SetGroup(cc.Group).
		SetMaxCachedMessageQuantity(cc.MaxCachedMessageQuantity).
		SetMaxCachedMessageMemory(cc.MaxCachedMessageMemory).
		SetReceiveBatchSize(cc.ReceiveBatchSize).
		SetInvisibleDuration(cc.InvisibleDuration).
		SetPollingTimeout(cc.PollingTimeout).
		SetRequestTimeout(cc.RequestTimeout).
		SetReceiveRateLimit(cc.ReceiveRateLimit, cc.ReceiveRateBurst).
		SetConsumptionWorkers(cc.ConsumptionWorkers).
		SetMaxDeliveryAttempts(cc.MaxDeliveryAttempts).
		SetAssignmentInterval(cc.AssignmentInterval).
		SetHousekeepingInterval(cc.HousekeepingInterval).
		SetCompression(c.Transport.Compression)
	if cc.ClientID != "" {
		opts.SetClientID(cc.ClientID)
	}
	for topic, sub := range cc.Subscriptions {
		f, err := sub.Filter()
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", topic, err)
		}
		opts.Subscribe(topic, f)
	}
	return opts, nil
}

// ManagerOptions maps the transport section into Connect manager options.
func (c *Config) ManagerOptions(logger *slog.Logger) transport.ManagerOptions {
	return transport.ManagerOptions{
		Scheme:                  c.Transport.Scheme,
		Compression:             c.Transport.Compression,
		BreakerFailureThreshold: c.Transport.CircuitBreaker.FailureThreshold,
		BreakerResetTimeout:     c.Transport.CircuitBreaker.ResetTimeout,
		Logger:                  logger,
	}
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
