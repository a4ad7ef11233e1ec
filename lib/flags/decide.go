// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package flags

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/signalpost/signalpost-go/lib/property"
)

// decidePath is the collector's flag evaluation endpoint. The v=3
// response shape carries variants and payloads alongside the boolean
// states.
const decidePath = "/decide?v=3"

// DecideConfig holds the parameters for the HTTP fetcher.
type DecideConfig struct {
	// Endpoint is the collector base URL. Required.
	Endpoint string

	// APIKey is the project credential sent with every fetch.
	APIKey string

	// HTTPClient performs the requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives fetch diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DecideFetcher fetches flag evaluations from the collector's
// /decide endpoint.
type DecideFetcher struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDecideFetcher creates the HTTP fetcher.
func NewDecideFetcher(cfg DecideConfig) (*DecideFetcher, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("flags: Endpoint is required")
	}
	if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
		return nil, fmt.Errorf("flags: Endpoint must be an http(s) URL (got %q)", cfg.Endpoint)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DecideFetcher{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// decideRequest is the evaluation request body.
type decideRequest struct {
	APIKey           string                  `json:"api_key"`
	DistinctID       string                  `json:"distinct_id"`
	PersonProperties property.Map            `json:"person_properties,omitempty"`
	Groups           map[string]string       `json:"groups,omitempty"`
	GroupProperties  map[string]property.Map `json:"group_properties,omitempty"`
}

// decideResponse is the v=3 evaluation response. featureFlags values
// are either a boolean state or a variant string; payloads are
// arbitrary JSON keyed by flag.
type decideResponse struct {
	FeatureFlags              map[string]any `json:"featureFlags"`
	FeatureFlagPayloads       map[string]any `json:"featureFlagPayloads"`
	ErrorsWhileComputingFlags bool           `json:"errorsWhileComputingFlags"`
}

// Fetch posts the targeting snapshot and decodes the evaluated
// flags.
func (f *DecideFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	body, err := json.Marshal(decideRequest{
		APIKey:           f.apiKey,
		DistinctID:       req.DistinctID,
		PersonProperties: req.PersonProperties,
		Groups:           req.Groups,
		GroupProperties:  req.GroupProperties,
	})
	if err != nil {
		return FetchResponse{}, fmt.Errorf("flags: encoding request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint+decidePath, bytes.NewReader(body))
	if err != nil {
		return FetchResponse{}, fmt.Errorf("flags: building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := f.httpClient.Do(request)
	if err != nil {
		return FetchResponse{}, fmt.Errorf("flags: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return FetchResponse{}, fmt.Errorf("flags: collector returned HTTP %d: %s",
			response.StatusCode, string(snippet))
	}

	var decoded decideResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return FetchResponse{}, fmt.Errorf("flags: decoding response: %w", err)
	}

	return FetchResponse{
		Flags:   parseFlags(decoded),
		Partial: decoded.ErrorsWhileComputingFlags,
	}, nil
}

// parseFlags converts the wire mapping into Flag values: true/false
// for boolean flags, a variant string for multivariate ones (a
// variant implies enabled).
func parseFlags(decoded decideResponse) map[string]Flag {
	parsed := make(map[string]Flag, len(decoded.FeatureFlags))
	for key, raw := range decoded.FeatureFlags {
		flag := Flag{Key: key}
		switch value := raw.(type) {
		case bool:
			flag.Enabled = value
		case string:
			flag.Enabled = true
			flag.Variant = value
		}
		if payload, ok := decoded.FeatureFlagPayloads[key]; ok && payload != nil {
			if normalized, err := property.Normalize(payload); err == nil {
				flag.Payload = normalized
			}
		}
		parsed[key] = flag
	}
	return parsed
}
