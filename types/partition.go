// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package types defines the value types shared by the assignment resolver,
// the process queue engine and the transport layer.
package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Partition identifies a broker-side message shard.
// It is comparable and safe to use as a map key.
type Partition struct {
	Topic   string
	Broker  string // Broker endpoint (host:port)
	QueueID int32
}

// String returns a compact human-readable name used in logs.
func (p Partition) String() string {
	return p.Topic + "-" + strconv.FormatInt(int64(p.QueueID), 10) + "@" + p.Broker
}

// BrokerDescriptor describes the broker hosting a partition as sent by the server.
type BrokerDescriptor struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// PartitionDescriptor is the raw partition description carried by a load assignment.
type PartitionDescriptor struct {
	Topic  string           `json:"topic"`
	Broker BrokerDescriptor `json:"broker"`
	ID     int32            `json:"id"`
}

// ParsePartition builds a Partition from its raw descriptor.
// Only structural checks are applied.
func ParsePartition(d PartitionDescriptor) (Partition, error) {
	topic := strings.TrimSpace(d.Topic)
	if topic == "" {
		return Partition{}, fmt.Errorf("%w: empty topic", ErrInvalidDescriptor)
	}
	if d.ID < 0 {
		return Partition{}, fmt.Errorf("%w: negative queue id %d", ErrInvalidDescriptor, d.ID)
	}
	endpoint, err := normalizeEndpoint(d.Broker.Endpoint)
	if err != nil {
		return Partition{}, err
	}

	return Partition{
		Topic:   topic,
		Broker:  endpoint,
		QueueID: d.ID,
	}, nil
}

func normalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("%w: empty broker endpoint", ErrInvalidDescriptor)
	}

	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: broker endpoint %q: %v", ErrInvalidDescriptor, endpoint, err)
	}
	if host == "" {
		return "", fmt.Errorf("%w: broker endpoint %q has no host", ErrInvalidDescriptor, endpoint)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%w: broker endpoint %q has invalid port", ErrInvalidDescriptor, endpoint)
	}

	return net.JoinHostPort(host, port), nil
}
