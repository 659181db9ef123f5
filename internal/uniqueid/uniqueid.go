// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package uniqueid generates identifiers that are unique across processes and hosts.
package uniqueid

import (
	"encoding/binary"
	"encoding/hex"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	version = 0x01

	// Length is the number of hex characters returned by Next.
	Length = 2 * rawLen

	prefixLen = 1 + 6 + 2 // version, node id, pid
	rawLen    = prefixLen + 4 + 4
)

// epoch keeps the seconds component within 32 bits for the foreseeable future.
var epoch = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)

// Generator produces hex identifiers laid out as
// version | node id | pid | seconds since epoch | sequence.
type Generator struct {
	prefix [prefixLen]byte
	seq    atomic.Uint32
	now    func() time.Time
}

var defaultGenerator = sync.OnceValue(func() *Generator { return New() })

// Default returns the process-wide generator.
func Default() *Generator {
	return defaultGenerator()
}

// Next is shorthand for Default().Next().
func Next() string {
	return Default().Next()
}

// New creates a generator for the current host and process.
func New() *Generator {
	g := &Generator{now: time.Now}
	g.prefix[0] = version

	node := uuid.NodeID()
	if len(node) < 6 {
		r := uuid.New()
		node = r[10:16]
	}
	copy(g.prefix[1:7], node)
	binary.BigEndian.PutUint16(g.prefix[7:9], uint16(os.Getpid()))
	return g
}

// Next returns a new identifier of Length lowercase hex characters.
func (g *Generator) Next() string {
	var raw [rawLen]byte
	copy(raw[:prefixLen], g.prefix[:])

	secs := g.now().Sub(epoch) / time.Second
	binary.BigEndian.PutUint32(raw[prefixLen:prefixLen+4], uint32(secs))
	binary.BigEndian.PutUint32(raw[prefixLen+4:], g.seq.Add(1))

	return hex.EncodeToString(raw[:])
}
