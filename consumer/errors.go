// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import "errors"

// Consumer errors.
var (
	// Configuration errors.
	ErrNoEndpoints         = errors.New("no broker endpoints configured")
	ErrEmptyGroup          = errors.New("consumer group cannot be empty")
	ErrInvalidGroup        = errors.New("consumer group contains invalid characters")
	ErrNoSubscriptions     = errors.New("no subscriptions configured")
	ErrInvalidQuantity     = errors.New("max cached message quantity must be positive")
	ErrInvalidMemory       = errors.New("max cached message memory cannot be negative")
	ErrInvalidBatchSize    = errors.New("receive batch size must be positive")
	ErrInvalidTimeout      = errors.New("timeouts and intervals must be positive")
	ErrInvalidWorkers      = errors.New("consumption workers must be positive")
	ErrInvalidRateLimit    = errors.New("receive rate limit cannot be negative")
	ErrNoListener          = errors.New("message listener is required")
	ErrInvalidSubscription = errors.New("invalid subscription")

	// Lifecycle errors.
	ErrAlreadyStarted = errors.New("consumer already started")
	ErrNotStarted     = errors.New("consumer not started")
	ErrConsumerClosed = errors.New("consumer has been closed")
)
