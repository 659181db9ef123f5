// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package assignment turns broker load assignments into the set of partitions
// a consumer owns.
package assignment

import (
	"log/slog"
	"strings"

	"github.com/absmach/fluxmq-consumer/types"
)

// Resolver converts raw load assignments into typed assignments.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil logger falls back to slog.Default().
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve parses every entry of raw, preserving input order.
// A malformed partition descriptor aborts the whole call with a *types.ParseError;
// an unrecognized mode never fails and is resolved to POP.
// No sorting or de-duplication is applied.
func (r *Resolver) Resolve(raw []types.LoadAssignment) ([]types.Assignment, error) {
	out := make([]types.Assignment, 0, len(raw))

	for i, item := range raw {
		partition, err := types.ParsePartition(item.Partition)
		if err != nil {
			return nil, &types.ParseError{Index: i, Err: err}
		}

		out = append(out, types.Assignment{
			Partition: partition,
			Mode:      r.mode(item.Mode, partition),
		})
	}

	return out, nil
}

func (r *Resolver) mode(name string, p types.Partition) types.Mode {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case types.ModeNamePull:
		return types.ModePull
	case types.ModeNamePop:
		return types.ModePop
	default:
		r.logger.Warn("unknown message request mode, default to pop",
			slog.String("mode", name),
			slog.String("partition", p.String()))
		return types.ModePop
	}
}
