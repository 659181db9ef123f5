// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"

	"github.com/absmach/fluxmq-consumer/types"
)

// ConsumeResult is the verdict of a listener on one message.
type ConsumeResult int

// Consume results.
const (
	Success ConsumeResult = iota
	Failure
)

// String returns the result name.
func (r ConsumeResult) String() string {
	if r == Success {
		return "success"
	}
	return "failure"
}

// Listener consumes messages. Success acknowledges the message; Failure makes
// it invisible for a backoff period after which the broker redelivers it.
type Listener interface {
	Consume(ctx context.Context, msg *types.Message) ConsumeResult
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, msg *types.Message) ConsumeResult

// Consume calls f(ctx, msg).
func (f ListenerFunc) Consume(ctx context.Context, msg *types.Message) ConsumeResult {
	return f(ctx, msg)
}
