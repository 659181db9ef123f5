// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
)

// MessagingService is the broker side of the consumer RPCs. Implementations
// signal flow control and failures by returning an *Error.
type MessagingService interface {
	ReceiveMessage(ctx context.Context, req *ReceiveMessageRequest) (*ReceiveMessageResponse, error)
	QueryAssignment(ctx context.Context, req *QueryAssignmentRequest) (*QueryAssignmentResponse, error)
	AckMessage(ctx context.Context, req *AckMessageRequest) (*AckMessageResponse, error)
	ChangeInvisibleDuration(ctx context.Context, req *ChangeInvisibleDurationRequest) (*ChangeInvisibleDurationResponse, error)
}

// NewHandler builds an HTTP handler that serves svc and returns the path to mount it on.
func NewHandler(svc MessagingService) (string, http.Handler) {
	opts := []connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithCompression(compressionZstd, newZstdDecompressor, newZstdCompressor),
	}

	mux := http.NewServeMux()
	mux.Handle(ReceiveMessageProcedure, connect.NewUnaryHandler(ReceiveMessageProcedure, unary(svc.ReceiveMessage), opts...))
	mux.Handle(QueryAssignmentProcedure, connect.NewUnaryHandler(QueryAssignmentProcedure, unary(svc.QueryAssignment), opts...))
	mux.Handle(AckMessageProcedure, connect.NewUnaryHandler(AckMessageProcedure, unary(svc.AckMessage), opts...))
	mux.Handle(ChangeInvisibleDurationProcedure, connect.NewUnaryHandler(ChangeInvisibleDurationProcedure, unary(svc.ChangeInvisibleDuration), opts...))

	return "/" + ServiceName + "/", mux
}

func unary[Req, Res any](fn func(context.Context, *Req) (*Res, error)) func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error) {
	return func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		res, err := fn(ctx, req.Msg)
		if err != nil {
			return nil, toConnectError(err)
		}
		return connect.NewResponse(res), nil
	}
}

func toConnectError(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	var te *Error
	if errors.As(err, &te) {
		return connect.NewError(toConnect(te.Code), te.Err)
	}
	if errors.Is(err, context.Canceled) {
		return connect.NewError(connect.CodeCanceled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
