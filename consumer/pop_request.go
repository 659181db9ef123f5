// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"time"

	"github.com/absmach/fluxmq-consumer/internal/uniqueid"
	"github.com/absmach/fluxmq-consumer/transport"
	"github.com/absmach/fluxmq-consumer/types"
	"google.golang.org/protobuf/types/known/durationpb"
)

// AttemptIDLength is the length of a generated attempt id including dashes.
const AttemptIDLength = 36

type popRequest struct {
	endpoint string
	request  *transport.ReceiveMessageRequest
	timeout  time.Duration
}

// buildPopRequest builds the receive request of the partition. A non-empty
// attemptID is reused so that retries carry the same idempotency key.
func (pq *ProcessQueue) buildPopRequest(o owner, attemptID string) *popRequest {
	filter := types.DefaultFilter
	if sub, ok := o.subscription(pq.partition.Topic); ok {
		filter = sub.filter
	}
	if attemptID == "" {
		attemptID = newAttemptID()
	}

	return &popRequest{
		endpoint: pq.partition.Broker,
		request: &transport.ReceiveMessageRequest{
			Group:              pq.opts.Group,
			MessageQueue:       transport.DescriptorOf(pq.partition),
			FilterExpression:   wireFilter(filter),
			BatchSize:          pq.opts.ReceiveBatchSize,
			AutoRenew:          true,
			InvisibleDuration:  durationpb.New(pq.opts.InvisibleDuration),
			LongPollingTimeout: durationpb.New(pq.opts.PollingTimeout),
			AttemptID:          attemptID,
		},
		timeout: pq.opts.PollingTimeout + pq.opts.RequestTimeout,
	}
}

func wireFilter(f types.FilterExpression) transport.FilterExpression {
	switch f.Type {
	case types.FilterSQL92:
		return transport.FilterExpression{Type: transport.FilterTypeSQL, Expression: f.Expression}
	default:
		return transport.FilterExpression{Type: transport.FilterTypeTag, Expression: f.Expression}
	}
}

// newAttemptID formats a unique id as xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx.
func newAttemptID() string {
	// Skip the constant version byte.
	id := uniqueid.Next()[2:]
	return id[0:8] + "-" + id[8:12] + "-" + id[12:16] + "-" + id[16:20] + "-" + id[20:32]
}
