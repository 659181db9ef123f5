// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package assignment

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
)

// rotation is seeded randomly so that processes in a fleet do not all start at index 0.
var rotation atomic.Uint32

func init() {
	rotation.Store(rand.Uint32())
}

// NextRotationIndex returns a non-negative index that advances on every call.
// Concurrent callers never observe the same value until the counter wraps.
func NextRotationIndex() int {
	return int(rotation.Add(1) & math.MaxInt32)
}

// Pick returns the element of items selected by the next rotation index.
// It returns the zero value when items is empty.
func Pick[T any](items []T) T {
	var zero T
	if len(items) == 0 {
		return zero
	}
	return items[NextRotationIndex()%len(items)]
}
