// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
)

// Parse errors.
var (
	ErrInvalidDescriptor   = errors.New("invalid partition descriptor")
	ErrMalformedAssignment = errors.New("malformed assignment")
)

// ParseError reports a malformed entry in a raw assignment list.
type ParseError struct {
	Index int // Position of the offending entry
	Err   error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("%s at index %d: %v", ErrMalformedAssignment, e.Index, e.Err)
}

// Unwrap allows errors.Is against both ErrMalformedAssignment and the cause.
func (e *ParseError) Unwrap() []error {
	return []error{ErrMalformedAssignment, e.Err}
}
