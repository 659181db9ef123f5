// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// Message is a popped message held in a process queue cache.
type Message struct {
	ID              string
	Topic           string
	Tag             string
	Keys            []string
	Body            []byte
	Properties      map[string]string
	ReceiptHandle   string // Lease handle used for ack and invisibility changes
	DeliveryAttempt int32
	BornTimestamp   time.Time
	Partition       Partition
}

// BodySize returns the number of bytes accounted against the cache memory budget.
func (m *Message) BodySize() uint64 {
	return uint64(len(m.Body))
}
