// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// Mode is the receive style requested for an assigned partition.
type Mode int

// Receive modes.
const (
	ModePop Mode = iota
	ModePull
)

// Wire values of the mode descriptor.
const (
	ModeNamePull = "PULL"
	ModeNamePop  = "POP"
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case ModePull:
		return ModeNamePull
	default:
		return ModeNamePop
	}
}

// Assignment pairs an owned partition with its receive mode.
type Assignment struct {
	Partition Partition
	Mode      Mode
}

// LoadAssignment is a raw assignment entry as returned by the broker.
type LoadAssignment struct {
	Partition PartitionDescriptor `json:"partition"`
	Mode      string              `json:"mode"`
}
