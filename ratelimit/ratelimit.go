// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit paces receive requests per broker endpoint.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCleanupInterval is the period of stale entry removal.
const DefaultCleanupInterval = 5 * time.Minute

// BrokerLimiter limits the rate of receive requests sent to each broker.
// Requests over the limit are delayed, never dropped.
type BrokerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*brokerEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

type brokerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewBrokerLimiter creates a limiter allowing r requests per second per
// broker with the given burst. Entries idle for two cleanup intervals are removed.
func NewBrokerLimiter(r float64, burst int, cleanupInterval time.Duration) *BrokerLimiter {
	if burst <= 0 {
		burst = 1
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	l := &BrokerLimiter{
		limiters: make(map[string]*brokerEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Delay reserves a request slot for endpoint and returns how long the caller
// must wait before sending.
func (l *BrokerLimiter) Delay(endpoint string) time.Duration {
	now := l.now()

	l.mu.Lock()
	entry, exists := l.limiters[endpoint]
	if !exists {
		entry = &brokerEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[endpoint] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.ReserveN(now, 1).DelayFrom(now)
}

// Len returns the number of tracked brokers.
func (l *BrokerLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// cleanupLoop periodically removes stale entries.
func (l *BrokerLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *BrokerLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-l.cleanup * 2)
	for endpoint, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, endpoint)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *BrokerLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
