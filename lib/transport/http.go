// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/signalpost/signalpost-go/lib/clock"
	"github.com/signalpost/signalpost-go/lib/event"
)

// batchPath is the collector endpoint for batched capture.
const batchPath = "/batch"

// Config holds the parameters for the HTTP transport.
type Config struct {
	// Endpoint is the collector base URL, e.g. "https://collector.example.com".
	// Required.
	Endpoint string

	// HTTPClient performs the requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Compression selects the request-body codec. Defaults to gzip.
	Compression Compression

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives per-attempt diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// HTTPTransport delivers batch envelopes to the collector's /batch
// endpoint and classifies the response for the dispatcher.
type HTTPTransport struct {
	endpoint    string
	httpClient  *http.Client
	compression Compression
	clock       clock.Clock
	logger      *slog.Logger
}

// New creates an HTTP transport. Returns an error if the endpoint is
// missing or not an http(s) URL.
func New(cfg Config) (*HTTPTransport, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("transport: Endpoint is required")
	}
	if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
		return nil, fmt.Errorf("transport: Endpoint must be an http(s) URL (got %q)", cfg.Endpoint)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	compression := cfg.Compression
	if compression == "" {
		compression = CompressionGzip
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPTransport{
		endpoint:    endpoint,
		httpClient:  httpClient,
		compression: compression,
		clock:       clk,
		logger:      logger,
	}, nil
}

// Send posts the batch and classifies the outcome:
//
//   - 2xx: Delivered
//   - 408, 429, 5xx, network error: TransientFailure (retryable)
//   - any other 4xx: Rejected (permanent — retrying a malformed
//     payload or bad credential would loop forever)
//
// Send never panics; every failure path folds into the Result.
func (t *HTTPTransport) Send(ctx context.Context, batch event.Batch) Result {
	body, err := batch.MarshalWire()
	if err != nil {
		// An unencodable batch can never succeed.
		return Result{Status: Rejected, Err: err}
	}

	encoded, encoding, err := compressBody(body, t.compression)
	if err != nil {
		return Result{Status: Rejected, Err: err}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+batchPath, bytes.NewReader(encoded))
	if err != nil {
		return Result{Status: Rejected, Err: fmt.Errorf("transport: building request: %w", err)}
	}
	request.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		request.Header.Set("Content-Encoding", encoding)
	}

	start := t.clock.Now()
	response, err := t.httpClient.Do(request)
	if err != nil {
		return Result{Status: TransientFailure, Err: fmt.Errorf("transport: %w", err)}
	}
	defer response.Body.Close()

	// Cap the diagnostic read; collector error bodies are small.
	snippet, _ := io.ReadAll(io.LimitReader(response.Body, 4096))

	t.logger.Debug("batch sent",
		"status", response.StatusCode,
		"events", len(batch.Batch),
		"bytes", len(encoded),
		"elapsed", t.clock.Now().Sub(start),
	)

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return Result{Status: Delivered}
	case retryableStatus(response.StatusCode):
		return Result{Status: TransientFailure, Err: &APIError{
			StatusCode: response.StatusCode,
			Body:       string(snippet),
		}}
	default:
		return Result{Status: Rejected, Err: &APIError{
			StatusCode: response.StatusCode,
			Body:       string(snippet),
		}}
	}
}

// retryableStatus reports whether an HTTP status indicates a failure
// worth retrying: request timeout, rate limiting, or any server-side
// error.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

// APIError is a non-2xx collector response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("collector returned HTTP %d: %s", e.StatusCode, e.Body)
}
