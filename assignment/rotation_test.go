// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package assignment

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRotationIndexConcurrent(t *testing.T) {
	const (
		goroutines = 16
		perG       = 1000
	)

	results := make(chan int, goroutines*perG)
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perG {
				results <- NextRotationIndex()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]struct{}, goroutines*perG)
	for v := range results {
		require.GreaterOrEqual(t, v, 0)
		_, dup := seen[v]
		require.False(t, dup, "duplicate rotation index %d", v)
		seen[v] = struct{}{}
	}
	assert.Len(t, seen, goroutines*perG)
}

func TestNextRotationIndexAdvances(t *testing.T) {
	a := NextRotationIndex()
	b := NextRotationIndex()
	if a != 1<<31-1 {
		assert.Equal(t, a+1, b)
	}
}

func TestPick(t *testing.T) {
	assert.Equal(t, "", Pick[string](nil))

	items := []string{"a", "b", "c"}
	counts := map[string]int{}
	for range 30 {
		counts[Pick(items)]++
	}
	assert.Equal(t, 10, counts["a"])
	assert.Equal(t, 10, counts["b"])
	assert.Equal(t, 10, counts["c"])
}
