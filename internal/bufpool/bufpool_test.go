// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAfterPutIsEmpty(t *testing.T) {
	b := Get()
	b.WriteString(`{"messages":[]}`)
	Put(b)

	assert.Zero(t, Get().Len())
}

func TestPutDropsLargeBuffers(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	assert.NotPanics(t, func() { Put(b) })
}

func TestConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			defer Put(b)
			b.WriteString("payload")
			assert.Equal(t, "payload", b.String())
		}()
	}
	wg.Wait()
}
