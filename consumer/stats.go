// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"sort"
	"time"

	"github.com/absmach/fluxmq-consumer/types"
)

// PartitionStats describes one live process queue.
type PartitionStats struct {
	Partition      types.Partition
	State          State
	CachedQuantity int64
	CachedMemory   int64
	Throttled      bool
	Idle           time.Duration
}

// Stats is a point-in-time view of a push consumer.
type Stats struct {
	Partitions []PartitionStats
	Metrics    Metrics
}

// Throttled returns the number of throttled partitions.
func (s Stats) Throttled() int {
	n := 0
	for _, p := range s.Partitions {
		if p.Throttled {
			n++
		}
	}
	return n
}

// Stats returns the state of every live process queue, ordered by partition,
// and a snapshot of the consumer metrics.
func (pc *PushConsumer) Stats() Stats {
	stats := Stats{
		Partitions: make([]PartitionStats, 0, pc.queues.Size()),
		Metrics:    pc.counters.Snapshot(),
	}
	pc.queues.Range(func(p types.Partition, pq *ProcessQueue) bool {
		stats.Partitions = append(stats.Partitions, PartitionStats{
			Partition:      p,
			State:          pq.State(),
			CachedQuantity: pq.CachedMessageQuantity(),
			CachedMemory:   pq.CachedMessageMemory(),
			Throttled:      pq.Throttled(),
			Idle:           pq.IdleDuration(),
		})
		return true
	})
	sort.Slice(stats.Partitions, func(i, j int) bool {
		return stats.Partitions[i].Partition.String() < stats.Partitions[j].Partition.String()
	})
	return stats
}
