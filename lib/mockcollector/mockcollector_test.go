// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package mockcollector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/signalpost/signalpost-go/lib/client"
	"github.com/signalpost/signalpost-go/lib/property"
)

func newTestClient(t *testing.T, endpoint, compression string) *client.Client {
	t.Helper()
	c, err := client.New(context.Background(), client.Config{
		APIKey:      "test-key",
		Endpoint:    endpoint,
		FlushAt:     1,
		Compression: compression,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	return c
}

// waitForEvents polls until the collector holds at least n events.
func waitForEvents(t *testing.T, collector *Collector, n int) []StoredEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		events := collector.Events()
		if len(events) >= n {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("collector has %d events, want at least %d", len(events), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientDeliversThroughCollector(t *testing.T) {
	for _, compression := range []string{"none", "gzip", "zstd", "lz4"} {
		t.Run(compression, func(t *testing.T) {
			collector := New(slog.New(slog.DiscardHandler))
			server := httptest.NewServer(collector.Handler())
			defer server.Close()

			c := newTestClient(t, server.URL, compression)
			c.Capture("signup_completed", property.Map{"plan": "starter"})

			events := waitForEvents(t, collector, 1)
			if err := c.Close(context.Background()); err != nil {
				t.Fatalf("Close: %v", err)
			}

			evt := events[0]
			if evt.Event != "signup_completed" {
				t.Errorf("event = %q", evt.Event)
			}
			if evt.DistinctID != c.DistinctID() {
				t.Errorf("distinct id = %q, want %q", evt.DistinctID, c.DistinctID())
			}
			if evt.Properties["plan"] != "starter" {
				t.Errorf("plan = %v", evt.Properties["plan"])
			}
			if evt.UUID == "" || evt.Timestamp == "" {
				t.Errorf("missing identity fields: %+v", evt)
			}
		})
	}
}

func TestClientFetchesFlagsFromCollector(t *testing.T) {
	collector := New(slog.New(slog.DiscardHandler))
	collector.SetFlags([]Flag{
		{Key: "beta", Enabled: true},
		{Key: "checkout", Enabled: true, Variant: "treatment", Payload: map[string]any{"color": "blue"}},
		{Key: "legacy", Enabled: false},
	})
	server := httptest.NewServer(collector.Handler())
	defer server.Close()

	c := newTestClient(t, server.URL, "gzip")
	defer c.Close(context.Background())

	if err := c.ReloadFeatureFlags(context.Background()); err != nil {
		t.Fatalf("ReloadFeatureFlags: %v", err)
	}
	if !c.IsFeatureEnabled("beta") {
		t.Error("beta not enabled")
	}
	if got := c.FeatureFlagVariant("checkout"); got != "treatment" {
		t.Errorf("checkout variant = %q", got)
	}
	if c.IsFeatureEnabled("legacy") {
		t.Error("legacy enabled")
	}
	if got := c.FeatureFlagPayload("checkout").Get("color").Str(""); got != "blue" {
		t.Errorf("checkout payload color = %q", got)
	}
}

func TestBatchRequiresAPIKey(t *testing.T) {
	collector := New(slog.New(slog.DiscardHandler))
	server := httptest.NewServer(collector.Handler())
	defer server.Close()

	body := bytes.NewBufferString(`{"batch":[{"event":"x"}]}`)
	resp, err := http.Post(server.URL+"/batch", "application/json", body)
	if err != nil {
		t.Fatalf("POST /batch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminEndpoints(t *testing.T) {
	collector := New(slog.New(slog.DiscardHandler))
	server := httptest.NewServer(collector.Handler())
	defer server.Close()

	flagsBody := bytes.NewBufferString(`[{"key":"beta","enabled":true}]`)
	resp, err := http.Post(server.URL+"/admin/feature-flags", "application/json", flagsBody)
	if err != nil {
		t.Fatalf("POST /admin/feature-flags: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set flags status = %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/admin/feature-flags")
	if err != nil {
		t.Fatalf("GET /admin/feature-flags: %v", err)
	}
	var flags []Flag
	if err := json.NewDecoder(resp.Body).Decode(&flags); err != nil {
		t.Fatalf("decoding flags: %v", err)
	}
	resp.Body.Close()
	if len(flags) != 1 || flags[0].Key != "beta" || !flags[0].Enabled {
		t.Fatalf("flags = %+v", flags)
	}

	for i := 0; i < 3; i++ {
		batch := fmt.Sprintf(`{"api_key":"k","batch":[{"event":"evt%d","distinct_id":"u%d"}]}`, i, i%2)
		resp, err := http.Post(server.URL+"/batch", "application/json", bytes.NewBufferString(batch))
		if err != nil {
			t.Fatalf("POST /batch: %v", err)
		}
		resp.Body.Close()
	}

	resp, err = http.Get(server.URL + "/admin/events?distinct_id=u0")
	if err != nil {
		t.Fatalf("GET /admin/events: %v", err)
	}
	var listing struct {
		Events []StoredEvent `json:"events"`
		Total  int           `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decoding events: %v", err)
	}
	resp.Body.Close()
	if listing.Total != 2 {
		t.Fatalf("filtered total = %d, want 2", listing.Total)
	}
	for _, evt := range listing.Events {
		if evt.DistinctID != "u0" {
			t.Errorf("filter leaked event for %q", evt.DistinctID)
		}
	}
}
