// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the request-body codec. Batch bodies are JSON
// and compress well; gzip is the default because every collector
// deployment accepts it. zstd and lz4 are for self-hosted collectors
// where the operator controls both ends.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression parses a codec name from configuration. The empty
// string means gzip.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "":
		return CompressionGzip, nil
	case "none", "gzip", "zstd", "lz4":
		return Compression(name), nil
	default:
		return "", fmt.Errorf("transport: unknown compression %q", name)
	}
}

// zstdEncoder is shared across requests; zstd.Encoder is safe for
// concurrent EncodeAll use.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
}

// compressBody encodes body with the configured codec. Returns the
// encoded bytes and the Content-Encoding header value ("" for none).
func compressBody(body []byte, codec Compression) ([]byte, string, error) {
	switch codec {
	case CompressionNone, "":
		return body, "", nil

	case CompressionGzip:
		var buffer bytes.Buffer
		writer := gzip.NewWriter(&buffer)
		if _, err := writer.Write(body); err != nil {
			return nil, "", fmt.Errorf("transport: gzip: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, "", fmt.Errorf("transport: gzip close: %w", err)
		}
		return buffer.Bytes(), "gzip", nil

	case CompressionZstd:
		return zstdEncoder.EncodeAll(body, nil), "zstd", nil

	case CompressionLZ4:
		var buffer bytes.Buffer
		writer := lz4.NewWriter(&buffer)
		if _, err := writer.Write(body); err != nil {
			return nil, "", fmt.Errorf("transport: lz4: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, "", fmt.Errorf("transport: lz4 close: %w", err)
		}
		return buffer.Bytes(), "lz4", nil

	default:
		return nil, "", fmt.Errorf("transport: unknown compression %q", codec)
	}
}
