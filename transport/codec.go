// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/json"
	"io"

	"connectrpc.com/connect"
	"github.com/absmach/fluxmq-consumer/internal/bufpool"
	"github.com/klauspost/compress/zstd"
)

const (
	codecName       = "json"
	compressionZstd = "zstd"
)

// jsonCodec lets Connect carry plain Go structs.
type jsonCodec struct{}

var _ connect.Codec = jsonCodec{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MarshalAppend encodes v through a pooled buffer and appends it to dst.
func (jsonCodec) MarshalAppend(dst []byte, v any) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return dst, err
	}
	return append(dst, bytes.TrimSuffix(buf.Bytes(), []byte("\n"))...), nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// zstdDecompressor keeps the decoder reusable: Connect closes pooled
// decompressors before resetting them, and a closed zstd.Decoder cannot be reused.
type zstdDecompressor struct {
	dec *zstd.Decoder
}

func (d *zstdDecompressor) Read(p []byte) (int, error) {
	return d.dec.Read(p)
}

func (d *zstdDecompressor) Reset(r io.Reader) error {
	return d.dec.Reset(r)
}

func (d *zstdDecompressor) Close() error {
	return nil
}

func newZstdDecompressor() connect.Decompressor {
	// Options are static and valid, NewReader cannot fail.
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return &zstdDecompressor{dec: dec}
}

func newZstdCompressor() connect.Compressor {
	enc, _ := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	return enc
}
