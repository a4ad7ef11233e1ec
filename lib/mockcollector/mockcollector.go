// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package mockcollector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// StoredEvent is one captured event as the collector keeps it.
type StoredEvent struct {
	UUID       string         `json:"uuid"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Timestamp  string         `json:"timestamp"`
	Properties map[string]any `json:"properties"`
}

// Flag is one configured feature flag evaluation served by /decide.
type Flag struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Variant string `json:"variant,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Collector is an in-memory collector for local development and
// integration tests: it accepts the SDK's /batch and /decide
// protocols exactly, stores everything in memory, and exposes admin
// endpoints so tests can seed flags and inspect captured events.
type Collector struct {
	logger *slog.Logger

	mu     sync.Mutex
	events []StoredEvent
	flags  map[string]Flag

	// failDecide makes /decide report errorsWhileComputingFlags,
	// for exercising client partial-merge behavior.
	failDecide bool
}

// New returns an empty collector. A nil logger means slog.Default().
func New(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		logger: logger.With("component", "mockcollector"),
		flags:  make(map[string]Flag),
	}
}

// Handler returns the collector's HTTP routes.
func (c *Collector) Handler() http.Handler {
	router := chi.NewRouter()

	router.Post("/batch", c.handleBatch)
	router.Post("/batch/", c.handleBatch)
	router.Post("/decide", c.handleDecide)
	router.Post("/decide/", c.handleDecide)

	router.Get("/admin/events", c.handleListEvents)
	router.Get("/admin/feature-flags", c.handleGetFlags)
	router.Post("/admin/feature-flags", c.handleSetFlags)

	return router
}

// Events returns a snapshot of captured events, oldest first.
func (c *Collector) Events() []StoredEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StoredEvent(nil), c.events...)
}

// SetFlags replaces the served flag set.
func (c *Collector) SetFlags(flags []Flag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags = make(map[string]Flag, len(flags))
	for _, flag := range flags {
		c.flags[flag.Key] = flag
	}
}

// SetDecideFailure controls whether /decide reports
// errorsWhileComputingFlags.
func (c *Collector) SetDecideFailure(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failDecide = fail
}

type batchRequest struct {
	APIKey string        `json:"api_key"`
	Batch  []StoredEvent `json:"batch"`
	SentAt string        `json:"sent_at"`
}

func (c *Collector) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": 0,
			"error":  err.Error(),
		})
		return
	}

	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": 0,
			"error":  "invalid request body: " + err.Error(),
		})
		return
	}
	if req.APIKey == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"type":   "authentication_error",
			"code":   "invalid_api_key",
			"detail": "project API key missing",
		})
		return
	}

	c.mu.Lock()
	c.events = append(c.events, req.Batch...)
	total := len(c.events)
	c.mu.Unlock()

	c.logger.Debug("batch accepted", "events", len(req.Batch), "stored", total)
	writeJSON(w, http.StatusOK, map[string]any{"status": 1})
}

type decideRequest struct {
	APIKey     string `json:"api_key"`
	DistinctID string `json:"distinct_id"`
}

func (c *Collector) handleDecide(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": 0,
			"error":  err.Error(),
		})
		return
	}

	var req decideRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": 0,
			"error":  "invalid request body: " + err.Error(),
		})
		return
	}

	c.mu.Lock()
	featureFlags := make(map[string]any, len(c.flags))
	featureFlagPayloads := make(map[string]any)
	for key, flag := range c.flags {
		switch {
		case flag.Enabled && flag.Variant != "":
			featureFlags[key] = flag.Variant
		case flag.Enabled:
			featureFlags[key] = true
		default:
			featureFlags[key] = false
		}
		if flag.Payload != nil {
			featureFlagPayloads[key] = flag.Payload
		}
	}
	failed := c.failDecide
	c.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"featureFlags":              featureFlags,
		"featureFlagPayloads":       featureFlagPayloads,
		"errorsWhileComputingFlags": failed,
	})
}

func (c *Collector) handleListEvents(w http.ResponseWriter, r *http.Request) {
	eventFilter := r.URL.Query().Get("event")
	distinctIDFilter := r.URL.Query().Get("distinct_id")

	events := c.Events()
	if eventFilter != "" || distinctIDFilter != "" {
		filtered := events[:0]
		for _, evt := range events {
			if eventFilter != "" && evt.Event != eventFilter {
				continue
			}
			if distinctIDFilter != "" && evt.DistinctID != distinctIDFilter {
				continue
			}
			filtered = append(filtered, evt)
		}
		events = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  len(events),
	})
}

func (c *Collector) handleGetFlags(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	flags := make([]Flag, 0, len(c.flags))
	for _, flag := range c.flags {
		flags = append(flags, flag)
	}
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, flags)
}

func (c *Collector) handleSetFlags(w http.ResponseWriter, r *http.Request) {
	var flags []Flag
	if err := json.NewDecoder(r.Body).Decode(&flags); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	c.SetFlags(flags)
	writeJSON(w, http.StatusOK, map[string]any{"status": "set", "flags": len(flags)})
}

// decodeBody reads the request body, reversing any Content-Encoding
// the SDK applied.
func decodeBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	switch encoding := r.Header.Get("Content-Encoding"); encoding {
	case "", "identity":
		return body, nil

	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)

	case "zstd":
		reader, err := zstd.NewReader(bytes.NewReader(body), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd body: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader.IOReadCloser())

	case "lz4":
		return io.ReadAll(lz4.NewReader(bytes.NewReader(body)))

	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
