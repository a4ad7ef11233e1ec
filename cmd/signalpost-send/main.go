// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// signalpost-send captures telemetry events from the command line.
// It builds a one-shot client, enqueues the event, and drains the
// queue to the collector before exiting — useful for shell scripts,
// cron jobs, and smoke-testing a collector deployment.
//
// Credentials and tunables come from a config file (YAML or JSONC,
// --config) with individual flags overriding; properties are
// repeated key=value pairs, values parsed as JSON when possible:
//
//	signalpost-send --endpoint http://127.0.0.1:8127 --api-key k \
//	    --event deploy_finished --property service=api --property ok=true
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/signalpost/signalpost-go/lib/client"
	"github.com/signalpost/signalpost-go/lib/property"
	"github.com/signalpost/signalpost-go/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		endpoint    string
		apiKey      string
		storePath   string
		compression string
		eventName   string
		screenName  string
		distinctID  string
		properties  []string
		timeout     time.Duration
		verbose     bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("signalpost-send", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "client config file (YAML or JSONC)")
	flagSet.StringVar(&endpoint, "endpoint", "", "collector base URL (overrides config)")
	flagSet.StringVar(&apiKey, "api-key", "", "project API key (overrides config)")
	flagSet.StringVar(&storePath, "store", "", "SQLite store path; empty keeps events in memory only")
	flagSet.StringVar(&compression, "compression", "", "batch body codec: none, gzip, zstd, lz4")
	flagSet.StringVar(&eventName, "event", "", "event name to capture")
	flagSet.StringVar(&screenName, "screen", "", "capture a screen view instead of a plain event")
	flagSet.StringVar(&distinctID, "distinct-id", "", "identify as this distinct id before capturing")
	flagSet.StringArrayVar(&properties, "property", nil, "event property key=value (repeatable; value parsed as JSON when possible)")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "overall delivery deadline")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log client diagnostics to stderr")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("signalpost-send")
		return nil
	}
	if eventName == "" && screenName == "" {
		return fmt.Errorf("one of --event or --screen is required")
	}
	if eventName != "" && screenName != "" {
		return fmt.Errorf("--event and --screen are mutually exclusive")
	}

	cfg := client.Config{}
	if configPath != "" {
		loaded, err := client.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
	if compression != "" {
		cfg.Compression = compression
	}
	cfg.Logger = slog.New(slog.DiscardHandler)
	if verbose {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	parsed, err := parseProperties(properties)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := client.New(ctx, cfg)
	if err != nil {
		return err
	}

	if distinctID != "" {
		if err := c.Identify(ctx, distinctID, nil); err != nil {
			// Identity is set even when the flag reload behind
			// Identify fails; a collector without /decide should
			// not block event capture.
			cfg.Logger.Warn("flag reload after identify failed", "error", err)
		}
	}

	name := eventName
	if screenName != "" {
		c.CaptureScreen(screenName, parsed)
		name = "$screen"
	} else {
		c.Capture(name, parsed)
	}

	// Close drains the queue with a bounded final flush.
	if err := c.Close(ctx); err != nil {
		return fmt.Errorf("delivering: %w", err)
	}
	fmt.Printf("sent %s as %s\n", name, c.DistinctID())
	return nil
}

// parseProperties turns repeated key=value flags into a property
// map. Values that parse as JSON keep their type (numbers, bools,
// objects, lists); everything else is a string.
func parseProperties(pairs []string) (property.Map, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	properties := make(property.Map, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("malformed property %q, want key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		properties[key] = parsed
	}
	return properties, nil
}
