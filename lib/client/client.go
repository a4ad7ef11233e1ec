// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalpost/signalpost-go/lib/clock"
	"github.com/signalpost/signalpost-go/lib/dispatch"
	"github.com/signalpost/signalpost-go/lib/event"
	"github.com/signalpost/signalpost-go/lib/exception"
	"github.com/signalpost/signalpost-go/lib/flags"
	"github.com/signalpost/signalpost-go/lib/property"
	"github.com/signalpost/signalpost-go/lib/queue"
	"github.com/signalpost/signalpost-go/lib/store"
	"github.com/signalpost/signalpost-go/lib/transport"
	"github.com/signalpost/signalpost-go/lib/version"
)

// Defaults for the tunable configuration surface.
const (
	DefaultFlushAt       = 20
	DefaultFlushInterval = 30 * time.Second
	DefaultMaxQueueSize  = 1000
	DefaultMaxBatchSize  = 50
)

// libName is the $lib property stamped on every event.
const libName = "signalpost-go"

// Store keys for client state. Events live under store.PrefixEvent;
// these are the small overwrite-in-place records.
const (
	keyDistinctID = store.PrefixState + "distinct_id"
	keySessionID  = store.PrefixState + "session_id"
	keyOptedOut   = store.PrefixState + "opted_out"
)

// Config holds the parameters for a Client. APIKey and Endpoint are
// required; everything else has a default.
type Config struct {
	// APIKey is the project credential stamped on every batch and
	// flag fetch.
	APIKey string

	// Endpoint is the collector base URL,
	// e.g. "https://collector.example.com".
	Endpoint string

	// StorePath is the SQLite file backing the durable store.
	// ":memory:" gives a private in-memory database; empty uses a
	// non-durable in-process store (events do not survive restarts).
	StorePath string

	// FlushAt is the queue size that triggers an automatic flush.
	FlushAt int

	// FlushInterval is the periodic flush timer.
	FlushInterval time.Duration

	// MaxQueueSize bounds the pending-event queue; the oldest event
	// is evicted when a capture arrives at capacity.
	MaxQueueSize int

	// MaxBatchSize caps the events per delivery attempt.
	MaxBatchSize int

	// CaptureExceptions registers ErrorSource on Start so unhandled
	// errors are intercepted. Manual CaptureException works either
	// way.
	CaptureExceptions bool

	// ErrorSource feeds intercepted errors to the exception
	// pipeline when CaptureExceptions is set. Defaults to a
	// SlogSource wrapping the process default logger.
	ErrorSource exception.ErrorSource

	// ExceptionDebounceInterval is the minimum spacing between
	// emitted $exception events. Zero means the pipeline default;
	// negative disables debouncing.
	ExceptionDebounceInterval time.Duration

	// PreloadFeatureFlags starts a flag reload in the background as
	// soon as the client is constructed.
	PreloadFeatureFlags bool

	// SendFeatureFlagEvent controls $feature_flag_called usage
	// events on flag reads. Nil means enabled.
	SendFeatureFlagEvent *bool

	// Compression selects the batch body codec: "none", "gzip",
	// "zstd", or "lz4". Empty means gzip.
	Compression string

	// HTTPClient performs collector requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Transport overrides the HTTP batch transport. Tests inject
	// fakes here; when set, Endpoint is not used for delivery.
	Transport transport.Transport

	// FlagFetcher overrides the HTTP /decide fetcher. When set,
	// Endpoint is not used for flag fetches.
	FlagFetcher flags.Fetcher

	// Clock provides time and timers. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives client diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (cfg Config) withDefaults() (Config, error) {
	if cfg.APIKey == "" {
		return cfg, fmt.Errorf("client: Config.APIKey is required")
	}
	if cfg.Endpoint == "" && (cfg.Transport == nil || cfg.FlagFetcher == nil) {
		return cfg, fmt.Errorf("client: Config.Endpoint is required")
	}
	if cfg.FlushAt <= 0 {
		cfg.FlushAt = DefaultFlushAt
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg, nil
}

// Client is the composed telemetry SDK: capture entry points feeding
// a durable event queue, a background flush scheduler, a feature
// flag cache, and an exception capture pipeline. All methods are
// safe for concurrent use, and no capture path ever blocks on
// network I/O.
type Client struct {
	apiKey string
	store  store.Store
	queue  *queue.Queue
	sched  *dispatch.Scheduler
	flags  *flags.Cache
	exc    *exception.Pipeline
	clock  clock.Clock
	logger *slog.Logger

	endpoint string

	mu         sync.Mutex
	distinctID string
	sessionID  string
	identified bool
	optedOut   bool
	closed     bool
}

// New constructs and starts a client: opens the store, recovers the
// queue and flag cache, launches the flush scheduler, and (when
// configured) registers exception interception and kicks off a flag
// preload.
func New(ctx context.Context, cfg Config) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		apiKey:   cfg.APIKey,
		store:    st,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "client"),
		endpoint: cfg.Endpoint,
	}

	if err := c.recoverIdentity(ctx); err != nil {
		st.Close()
		return nil, err
	}

	q, err := queue.Open(ctx, queue.Config{
		Store:   st,
		MaxSize: cfg.MaxQueueSize,
		Logger:  cfg.Logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("client: opening queue: %w", err)
	}
	c.queue = q

	tr := cfg.Transport
	if tr == nil {
		compression, err := transport.ParseCompression(cfg.Compression)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("client: %w", err)
		}
		tr, err = transport.New(transport.Config{
			Endpoint:    cfg.Endpoint,
			HTTPClient:  cfg.HTTPClient,
			Compression: compression,
			Clock:       cfg.Clock,
			Logger:      cfg.Logger,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("client: %w", err)
		}
	}

	sched, err := dispatch.Start(dispatch.Config{
		Queue:         q,
		Transport:     tr,
		APIKey:        cfg.APIKey,
		FlushAt:       cfg.FlushAt,
		FlushInterval: cfg.FlushInterval,
		MaxBatchSize:  cfg.MaxBatchSize,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("client: starting scheduler: %w", err)
	}
	c.sched = sched
	if c.optedOut {
		sched.SetOptOut(true)
	}

	fetcher := cfg.FlagFetcher
	if fetcher == nil {
		fetcher, err = flags.NewDecideFetcher(flags.DecideConfig{
			Endpoint:   cfg.Endpoint,
			APIKey:     cfg.APIKey,
			HTTPClient: cfg.HTTPClient,
			Logger:     cfg.Logger,
		})
		if err != nil {
			sched.Close()
			st.Close()
			return nil, fmt.Errorf("client: %w", err)
		}
	}

	var usageCapture flags.CaptureFunc
	if cfg.SendFeatureFlagEvent == nil || *cfg.SendFeatureFlagEvent {
		usageCapture = c.enqueue
	}
	flagCache, err := flags.New(ctx, flags.Config{
		Fetcher:    fetcher,
		Store:      st,
		DistinctID: c.DistinctID,
		Capture:    usageCapture,
		Logger:     cfg.Logger,
	})
	if err != nil {
		sched.Close()
		st.Close()
		return nil, fmt.Errorf("client: opening flag cache: %w", err)
	}
	c.flags = flagCache

	var source exception.ErrorSource
	if cfg.CaptureExceptions {
		source = cfg.ErrorSource
		if source == nil {
			source = exception.NewSlogSource()
		}
	}
	pipeline, err := exception.NewPipeline(exception.Config{
		Capture:          c.enqueue,
		Source:           source,
		PersonURL:        c.personURL,
		DebounceInterval: cfg.ExceptionDebounceInterval,
		Clock:            cfg.Clock,
		Logger:           cfg.Logger,
	})
	if err != nil {
		sched.Close()
		st.Close()
		return nil, fmt.Errorf("client: %w", err)
	}
	c.exc = pipeline
	if err := pipeline.Start(); err != nil {
		sched.Close()
		st.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	if cfg.PreloadFeatureFlags {
		go func() {
			if err := flagCache.Reload(context.Background()); err != nil {
				cfg.Logger.Warn("feature flag preload failed", "error", err)
			}
		}()
	}

	return c, nil
}

func openStore(cfg Config) (store.Store, error) {
	if cfg.StorePath == "" {
		return store.NewMemory(), nil
	}
	st, err := store.OpenSQLite(store.SQLiteConfig{
		Path:   cfg.StorePath,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("client: opening store: %w", err)
	}
	return st, nil
}

// recoverIdentity loads the persisted identity, session, and opt-out
// records, minting a fresh anonymous identity on first run. The
// session id is rotated on every construction.
func (c *Client) recoverIdentity(ctx context.Context) error {
	if data, ok, err := c.store.Get(ctx, keyDistinctID); err != nil {
		return fmt.Errorf("client: reading identity: %w", err)
	} else if ok {
		c.distinctID = string(data)
	} else {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("client: generating anonymous id: %w", err)
		}
		c.distinctID = id.String()
		if err := c.store.Put(ctx, keyDistinctID, []byte(c.distinctID)); err != nil {
			return fmt.Errorf("client: persisting identity: %w", err)
		}
	}

	session, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("client: generating session id: %w", err)
	}
	c.sessionID = session.String()
	if err := c.store.Put(ctx, keySessionID, []byte(c.sessionID)); err != nil {
		return fmt.Errorf("client: persisting session: %w", err)
	}

	if data, ok, err := c.store.Get(ctx, keyOptedOut); err != nil {
		return fmt.Errorf("client: reading opt-out: %w", err)
	} else if ok && string(data) == "1" {
		c.optedOut = true
	}
	return nil
}

// DistinctID returns the current acting identity: the persisted
// anonymous id until Identify, the identified id after.
func (c *Client) DistinctID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.distinctID
}

// SessionID returns this client instance's session id.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Capture records an event under the current identity. Malformed
// input (empty name) is dropped with a warning; Capture never blocks
// on delivery and never fails the caller.
func (c *Client) Capture(name string, properties property.Map) {
	c.enqueue(name, properties)
}

// CaptureScreen records a $screen event for a screen or page view.
func (c *Client) CaptureScreen(screenName string, properties property.Map) {
	if screenName == "" {
		c.logger.Warn("ignoring screen view with empty name")
		return
	}
	c.enqueue("$screen", properties.Merge(property.Map{"$screen_name": screenName}))
}

// CaptureException records a manually caught error as a $exception
// event.
func (c *Client) CaptureException(err error) {
	c.exc.CaptureException(err)
}

// Identify switches the acting identity to distinctID and refreshes
// feature flags against it. The two phases are explicit: the
// identity mutation and $identify capture happen first, then the
// flag reload runs and Identify returns its result, so flag reads
// after Identify returns see evaluations for the new identity.
func (c *Client) Identify(ctx context.Context, distinctID string, personProperties property.Map) error {
	if distinctID == "" {
		return fmt.Errorf("client: empty distinct id")
	}

	c.mu.Lock()
	previous := c.distinctID
	c.distinctID = distinctID
	c.identified = true
	c.mu.Unlock()

	if err := c.store.Put(ctx, keyDistinctID, []byte(distinctID)); err != nil {
		c.logger.Warn("persisting identity failed", "error", err)
	}

	properties := property.Map{"$anon_distinct_id": previous}
	if len(personProperties) > 0 {
		properties["$set"] = map[string]any(personProperties)
	}
	c.enqueue("$identify", properties)

	if len(personProperties) > 0 {
		c.flags.SetPersonProperties(ctx, personProperties)
	}
	return c.flags.Reload(ctx)
}

// Alias links another distinct id to the current identity.
func (c *Client) Alias(alias string) {
	if alias == "" {
		c.logger.Warn("ignoring empty alias")
		return
	}
	c.enqueue("$create_alias", property.Map{"alias": alias})
}

// Reset discards the current identity: a fresh anonymous id and
// session are minted and persisted, and the flag cache (including
// targeting properties) is cleared. Queued events are kept — they
// were captured under the old identity and still deliver.
func (c *Client) Reset(ctx context.Context) {
	id, err := uuid.NewV7()
	if err != nil {
		c.logger.Error("generating anonymous id failed", "error", err)
		return
	}
	session, err := uuid.NewV7()
	if err != nil {
		c.logger.Error("generating session id failed", "error", err)
		return
	}

	c.mu.Lock()
	c.distinctID = id.String()
	c.sessionID = session.String()
	c.identified = false
	c.mu.Unlock()

	if err := c.store.Put(ctx, keyDistinctID, []byte(id.String())); err != nil {
		c.logger.Warn("persisting identity failed", "error", err)
	}
	if err := c.store.Put(ctx, keySessionID, []byte(session.String())); err != nil {
		c.logger.Warn("persisting session failed", "error", err)
	}

	c.flags.Reset(ctx)
}

// Flush asks the scheduler for an immediate delivery pass. It
// returns without waiting for the flush to complete.
func (c *Client) Flush() {
	c.sched.Flush()
}

// OptOut stops all capture and delivery: the queue is cleared, the
// scheduler suppressed, and the choice persisted across restarts.
// In-flight delivery results are discarded against the cleared
// queue.
func (c *Client) OptOut(ctx context.Context) {
	c.mu.Lock()
	c.optedOut = true
	c.mu.Unlock()

	c.sched.SetOptOut(true)
	if err := c.queue.Clear(ctx); err != nil {
		c.logger.Warn("clearing queue on opt-out failed", "error", err)
	}
	if err := c.store.Put(ctx, keyOptedOut, []byte("1")); err != nil {
		c.logger.Warn("persisting opt-out failed", "error", err)
	}
}

// OptIn re-enables capture and delivery after an OptOut.
func (c *Client) OptIn(ctx context.Context) {
	c.mu.Lock()
	c.optedOut = false
	c.mu.Unlock()

	c.sched.SetOptOut(false)
	if err := c.store.Put(ctx, keyOptedOut, []byte("0")); err != nil {
		c.logger.Warn("persisting opt-in failed", "error", err)
	}
}

// OptedOut reports whether capture is currently disabled.
func (c *Client) OptedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optedOut
}

// IsFeatureEnabled reports the cached evaluation for key, emitting a
// usage event when flag-usage tracking is on. Absent keys are false.
func (c *Client) IsFeatureEnabled(key string) bool {
	return c.flags.IsEnabled(key)
}

// FeatureFlagVariant returns the cached variant for key ("" when the
// flag is boolean or absent), tracking usage.
func (c *Client) FeatureFlagVariant(key string) string {
	return c.flags.Variant(key)
}

// FeatureFlagPayload returns the server-attached payload for key.
// Payload reads do not count as usage.
func (c *Client) FeatureFlagPayload(key string) property.Value {
	return c.flags.Payload(key)
}

// GetFeatureFlag returns the raw cached flag without usage tracking.
func (c *Client) GetFeatureFlag(key string) flags.Flag {
	return c.flags.GetFlag(key)
}

// ReloadFeatureFlags fetches fresh evaluations for the current
// targeting snapshot. Concurrent calls coalesce into one fetch.
func (c *Client) ReloadFeatureFlags(ctx context.Context) error {
	return c.flags.Reload(ctx)
}

// OnFeatureFlags registers a callback fired after every successful
// flag reload. The returned function unsubscribes.
func (c *Client) OnFeatureFlags(callback func()) (unsubscribe func()) {
	return c.flags.Subscribe(callback)
}

// SetPersonPropertiesForFlags updates the person targeting snapshot
// used by the next reload.
func (c *Client) SetPersonPropertiesForFlags(ctx context.Context, properties property.Map) {
	c.flags.SetPersonProperties(ctx, properties)
}

// ResetPersonPropertiesForFlags clears the person targeting
// snapshot.
func (c *Client) ResetPersonPropertiesForFlags(ctx context.Context) {
	c.flags.ResetPersonProperties(ctx)
}

// SetGroup associates this client with a group and records its
// targeting properties.
func (c *Client) SetGroup(ctx context.Context, groupType, groupKey string, properties property.Map) {
	c.flags.SetGroup(ctx, groupType, groupKey, properties)
}

// SetGroupPropertiesForFlags updates one group type's targeting
// properties without changing the group membership.
func (c *Client) SetGroupPropertiesForFlags(ctx context.Context, groupType string, properties property.Map) {
	c.flags.SetGroupProperties(ctx, groupType, properties)
}

// ResetGroupPropertiesForFlags clears one group type's targeting
// properties.
func (c *Client) ResetGroupPropertiesForFlags(ctx context.Context, groupType string) {
	c.flags.ResetGroupProperties(ctx, groupType)
}

// Close shuts the client down: the scheduler makes one final
// bounded-wait flush attempt, exception interception is
// unregistered, and the store is released. The client must not be
// used afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if err := c.exc.Stop(); err != nil {
		errs = append(errs, err)
	}
	c.sched.Close()
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// enqueue is the shared capture entry point: every producer — user
// capture calls, flag-usage tracking, the exception pipeline — lands
// here. Library metadata is stamped under the caller's properties,
// the event is validated and persisted, and delivery is left to the
// scheduler.
func (c *Client) enqueue(name string, properties property.Map) {
	c.mu.Lock()
	if c.closed || c.optedOut {
		c.mu.Unlock()
		return
	}
	distinctID := c.distinctID
	sessionID := c.sessionID
	c.mu.Unlock()

	stamped := property.Map{
		"$lib":         libName,
		"$lib_version": version.Short(),
		"$os":          runtime.GOOS,
		"$session_id":  sessionID,
	}.Merge(properties)

	evt, err := event.New(name, distinctID, c.clock.Now(), stamped)
	if errors.Is(err, event.ErrEmptyName) {
		c.logger.Warn("dropping invalid event", "event", name, "error", err)
		return
	}
	if err != nil {
		// Normalization salvages the event, dropping only the
		// properties it could not convert. Keep what survived.
		c.logger.Warn("dropped unsupported event properties", "event", name, "error", err)
	}
	if err := c.queue.Enqueue(context.Background(), evt); err != nil {
		c.logger.Warn("enqueue failed", "event", name, "error", err)
	}
}

// personURL builds the collector deep link for the current identity,
// or "" while anonymous.
func (c *Client) personURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.identified || c.endpoint == "" {
		return ""
	}
	return c.endpoint + "/person/" + c.distinctID
}
