// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// signalpost-mock is an in-memory collector for local development
// and integration tests. It accepts the SDK's delivery protocol
// exactly — POST /batch (with gzip/zstd/lz4 body compression) and
// POST /decide for feature flag evaluation — and exposes admin
// endpoints for seeding flags and inspecting captured events:
//
//   - GET  /admin/events          list captured events (?event=, ?distinct_id=)
//   - GET  /admin/feature-flags   list the served flag set
//   - POST /admin/feature-flags   replace the served flag set
//
// Point a client's Endpoint at the mock's listen address; no
// collector credentials are checked beyond the api_key being
// present.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/signalpost/signalpost-go/lib/mockcollector"
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
		listen      string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("signalpost-mock", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", "127.0.0.1:8127", "address to serve on")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("signalpost-mock")
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := mockcollector.New(logger)
	server := &http.Server{
		Addr:    listen,
		Handler: collector.Handler(),
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.ListenAndServe()
	}()
	logger.Info("mock collector running", "listen", listen)

	select {
	case err := <-serveDone:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "captured_events", len(collector.Events()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
