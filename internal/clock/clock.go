// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so idle tracking and receive pacing can be tested deterministically.
package clock

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current time, including its monotonic reading.
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc mirrors time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
