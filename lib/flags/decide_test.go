// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package flags

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/signalpost/signalpost-go/lib/property"
)

func TestDecideFetcherRequestAndParse(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"featureFlags": map[string]any{
				"bool-on":      true,
				"bool-off":     false,
				"multivariate": "treatment",
			},
			"featureFlagPayloads": map[string]any{
				"multivariate": map[string]any{"discount": 0.25},
			},
			"errorsWhileComputingFlags": false,
		})
	}))
	defer server.Close()

	fetcher, err := NewDecideFetcher(DecideConfig{
		Endpoint:   server.URL,
		APIKey:     "sp_test_key",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("NewDecideFetcher: %v", err)
	}

	response, err := fetcher.Fetch(context.Background(), FetchRequest{
		DistinctID:       "user-1",
		PersonProperties: property.Map{"plan": "premium"},
		Groups:           map[string]string{"company": "acme"},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotPath != "/decide?v=3" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["api_key"] != "sp_test_key" || gotBody["distinct_id"] != "user-1" {
		t.Fatalf("request body = %v", gotBody)
	}
	person := gotBody["person_properties"].(map[string]any)
	if person["plan"] != "premium" {
		t.Fatalf("person_properties = %v", person)
	}

	if !response.Flags["bool-on"].Enabled {
		t.Fatal("bool-on not enabled")
	}
	if response.Flags["bool-off"].Enabled {
		t.Fatal("bool-off enabled")
	}
	multivariate := response.Flags["multivariate"]
	if !multivariate.Enabled || multivariate.Variant != "treatment" {
		t.Fatalf("multivariate = %+v", multivariate)
	}
	if got := multivariate.PayloadValue().Get("discount").Float(0); got != 0.25 {
		t.Fatalf("payload discount = %v", got)
	}
	if response.Partial {
		t.Fatal("Partial = true")
	}
}

func TestDecideFetcherNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	fetcher, err := NewDecideFetcher(DecideConfig{Endpoint: server.URL, HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("NewDecideFetcher: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background(), FetchRequest{DistinctID: "user-1"}); err == nil {
		t.Fatal("Fetch succeeded on HTTP 401")
	}
}

func TestDecideFetcherValidatesEndpoint(t *testing.T) {
	if _, err := NewDecideFetcher(DecideConfig{}); err == nil {
		t.Fatal("NewDecideFetcher with no endpoint succeeded")
	}
}
