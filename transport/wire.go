// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport carries consumer RPCs (receive, assignment query, ack and
// invisibility changes) to brokers over Connect.
package transport

import (
	"time"

	"github.com/absmach/fluxmq-consumer/types"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Service and procedure names.
const (
	ServiceName = "fluxmq.consumer.v1.MessagingService"

	ReceiveMessageProcedure          = "/" + ServiceName + "/ReceiveMessage"
	QueryAssignmentProcedure         = "/" + ServiceName + "/QueryAssignment"
	AckMessageProcedure              = "/" + ServiceName + "/AckMessage"
	ChangeInvisibleDurationProcedure = "/" + ServiceName + "/ChangeInvisibleDuration"
)

// Wire names of filter types.
const (
	FilterTypeTag = "TAG"
	FilterTypeSQL = "SQL"
)

// FilterExpression is the wire form of a subscription filter.
type FilterExpression struct {
	Type       string `json:"type"`
	Expression string `json:"expression"`
}

// ReceiveMessageRequest pops a batch of messages from one partition.
type ReceiveMessageRequest struct {
	Group              string                    `json:"group"`
	MessageQueue       types.PartitionDescriptor `json:"message_queue"`
	FilterExpression   FilterExpression          `json:"filter_expression"`
	BatchSize          int32                     `json:"batch_size"`
	AutoRenew          bool                      `json:"auto_renew"`
	InvisibleDuration  *durationpb.Duration      `json:"invisible_duration"`
	LongPollingTimeout *durationpb.Duration      `json:"long_polling_timeout,omitempty"`
	AttemptID          string                    `json:"attempt_id"`
}

// Message is the wire form of a popped message.
type Message struct {
	ID              string            `json:"id"`
	Topic           string            `json:"topic"`
	Tag             string            `json:"tag,omitempty"`
	Keys            []string          `json:"keys,omitempty"`
	Body            []byte            `json:"body"`
	Properties      map[string]string `json:"properties,omitempty"`
	ReceiptHandle   string            `json:"receipt_handle"`
	DeliveryAttempt int32             `json:"delivery_attempt"`
	BornTimestamp   time.Time         `json:"born_timestamp"`
}

// ReceiveMessageResponse carries the popped batch. An empty batch means no content.
type ReceiveMessageResponse struct {
	Messages []Message `json:"messages"`
}

// ReceiveResult is delivered to the receive completion callback.
type ReceiveResult struct {
	Endpoint string
	Messages []*types.Message
}

// QueryAssignmentRequest asks which partitions of a topic this client owns.
type QueryAssignmentRequest struct {
	Topic    string `json:"topic"`
	Group    string `json:"group"`
	ClientID string `json:"client_id"`
}

// QueryAssignmentResponse lists the raw load assignments.
type QueryAssignmentResponse struct {
	Assignments []types.LoadAssignment `json:"assignments"`
}

// AckMessageRequest acknowledges one consumed message.
type AckMessageRequest struct {
	Group         string `json:"group"`
	Topic         string `json:"topic"`
	MessageID     string `json:"message_id"`
	ReceiptHandle string `json:"receipt_handle"`
}

// AckMessageResponse is empty on success.
type AckMessageResponse struct{}

// ChangeInvisibleDurationRequest extends or shortens the lease of a message.
type ChangeInvisibleDurationRequest struct {
	Group             string               `json:"group"`
	Topic             string               `json:"topic"`
	MessageID         string               `json:"message_id"`
	ReceiptHandle     string               `json:"receipt_handle"`
	InvisibleDuration *durationpb.Duration `json:"invisible_duration"`
}

// ChangeInvisibleDurationResponse returns the renewed receipt handle.
type ChangeInvisibleDurationResponse struct {
	ReceiptHandle string `json:"receipt_handle"`
}

// DescriptorOf returns the wire descriptor of a partition.
func DescriptorOf(p types.Partition) types.PartitionDescriptor {
	return types.PartitionDescriptor{
		Topic:  p.Topic,
		Broker: types.BrokerDescriptor{Endpoint: p.Broker},
		ID:     p.QueueID,
	}
}

// ToMessage converts a wire message into the cached representation.
func (m *Message) ToMessage() *types.Message {
	return &types.Message{
		ID:              m.ID,
		Topic:           m.Topic,
		Tag:             m.Tag,
		Keys:            m.Keys,
		Body:            m.Body,
		Properties:      m.Properties,
		ReceiptHandle:   m.ReceiptHandle,
		DeliveryAttempt: m.DeliveryAttempt,
		BornTimestamp:   m.BornTimestamp,
	}
}
