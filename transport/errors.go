// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"github.com/sony/gobreaker"
)

// Transport errors.
var (
	ErrClosed    = errors.New("transport manager closed")
	ErrNoContent = errors.New("no new messages")
)

// Code classifies the outcome of an RPC.
type Code int

// Result codes.
const (
	CodeOK Code = iota
	CodeNoContent
	CodeTooManyRequests
	CodeUnavailable
	CodeDeadlineExceeded
	CodeCanceled
	CodeInvalidArgument
	CodeNotFound
	CodeInternal
	CodeUnknown
)

// String returns the code name.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNoContent:
		return "no_content"
	case CodeTooManyRequests:
		return "too_many_requests"
	case CodeUnavailable:
		return "unavailable"
	case CodeDeadlineExceeded:
		return "deadline_exceeded"
	case CodeCanceled:
		return "canceled"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeNotFound:
		return "not_found"
	case CodeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is returned by every Manager call that fails.
type Error struct {
	Code     Code
	Endpoint string
	Err      error
}

// NewError creates an Error with the given code.
func NewError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Endpoint, e.Code, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of err. A nil error is CodeOK; errors that are not
// transport errors are CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeUnknown
}

// wrap converts a Connect or circuit breaker error into an *Error.
func wrap(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		if te.Endpoint == "" {
			te.Endpoint = endpoint
		}
		return te
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Code: CodeUnavailable, Endpoint: endpoint, Err: err}
	}
	return &Error{Code: fromConnect(connect.CodeOf(err)), Endpoint: endpoint, Err: err}
}

func fromConnect(code connect.Code) Code {
	switch code {
	case connect.CodeResourceExhausted:
		return CodeTooManyRequests
	case connect.CodeUnavailable:
		return CodeUnavailable
	case connect.CodeDeadlineExceeded:
		return CodeDeadlineExceeded
	case connect.CodeCanceled:
		return CodeCanceled
	case connect.CodeInvalidArgument, connect.CodeFailedPrecondition:
		return CodeInvalidArgument
	case connect.CodeNotFound:
		return CodeNotFound
	case connect.CodeInternal:
		return CodeInternal
	default:
		return CodeUnknown
	}
}

func toConnect(code Code) connect.Code {
	switch code {
	case CodeTooManyRequests:
		return connect.CodeResourceExhausted
	case CodeUnavailable:
		return connect.CodeUnavailable
	case CodeDeadlineExceeded:
		return connect.CodeDeadlineExceeded
	case CodeCanceled:
		return connect.CodeCanceled
	case CodeInvalidArgument:
		return connect.CodeInvalidArgument
	case CodeNotFound:
		return connect.CodeNotFound
	case CodeInternal:
		return connect.CodeInternal
	default:
		return connect.CodeUnknown
	}
}

// countsAsFailure reports whether err should trip the circuit breaker.
// Flow-control answers from a healthy broker do not.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch connect.CodeOf(err) {
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded, connect.CodeInternal, connect.CodeUnknown:
		return true
	default:
		return false
	}
}
