// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxmq-consumer/config"
	"github.com/absmach/fluxmq-consumer/consumer"
	"github.com/absmach/fluxmq-consumer/telemetry"
	"github.com/absmach/fluxmq-consumer/transport"
	"github.com/absmach/fluxmq-consumer/types"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume messages and log them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, os.Stdout)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	return cmd
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// logListener logs every message and acknowledges it.
func logListener(logger *slog.Logger) consumer.Listener {
	return consumer.ListenerFunc(func(_ context.Context, msg *types.Message) consumer.ConsumeResult {
		logger.Info("Message received",
			"topic", msg.Topic,
			"partition", msg.Partition.String(),
			"message_id", msg.ID,
			"tag", msg.Tag,
			"keys", msg.Keys,
			"delivery_attempt", msg.DeliveryAttempt,
			"body_size", msg.BodySize())
		return consumer.Success
	})
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting push consumer", "version", version)
	logger.Info("Configuration loaded",
		"endpoints", cfg.Consumer.Endpoints,
		"group", cfg.Consumer.Group,
		"subscriptions", len(cfg.Consumer.Subscriptions),
		"compression", cfg.Transport.Compression,
		"log_level", cfg.Log.Level)

	opts, err := cfg.ConsumerOptions()
	if err != nil {
		return err
	}

	manager := transport.NewConnectManager(cfg.ManagerOptions(logger))
	defer manager.Close()

	opts.SetTransport(manager).
		SetListener(logListener(logger)).
		SetLogger(logger)
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid consumer options: %w", err)
	}

	var otelShutdown func(context.Context) error
	if cfg.Telemetry.TracesEnabled || cfg.Telemetry.MetricsEnabled {
		shutdown, err := telemetry.InitProvider(ctx, cfg.Telemetry, opts.ClientID)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		logger.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"traces", cfg.Telemetry.TracesEnabled,
			"metrics", cfg.Telemetry.MetricsEnabled)
	}

	pc, err := consumer.NewPushConsumer(opts)
	if err != nil {
		return err
	}

	if cfg.Telemetry.MetricsEnabled {
		metrics, err := telemetry.RegisterConsumerMetrics(nil, opts.Group, pc)
		if err != nil {
			return err
		}
		defer metrics.Unregister()
	}

	if err := pc.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := pc.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", "error", err)
	}
	stats := pc.Stats()
	logger.Info("Push consumer stopped",
		"received", stats.Metrics.MessagesReceived,
		"consumed", stats.Metrics.MessagesConsumed,
		"failed", stats.Metrics.MessagesFailed)

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			logger.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}
	return nil
}
