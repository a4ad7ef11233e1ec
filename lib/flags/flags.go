// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package flags

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/signalpost/signalpost-go/lib/codec"
	"github.com/signalpost/signalpost-go/lib/property"
	"github.com/signalpost/signalpost-go/lib/store"
)

// Store keys for the persisted cache and targeting snapshot.
const (
	cacheKey      = store.PrefixState + "feature_flags"
	personKey     = store.PrefixState + "flag_person_properties"
	groupPropsKey = store.PrefixState + "flag_group_properties"
)

// Flag is one cached evaluation result. The zero value is the
// "absent" flag: disabled, no variant, null payload.
type Flag struct {
	Key     string `cbor:"key"`
	Enabled bool   `cbor:"enabled"`
	Variant string `cbor:"variant,omitempty"`
	// Payload is the server-attached payload in normalized property
	// form; null when the flag has none.
	Payload any `cbor:"payload,omitempty"`
}

// PayloadValue returns the payload with safe accessors.
func (f Flag) PayloadValue() property.Value { return property.Of(f.Payload) }

// Fetcher is the evaluation-fetch capability. Implementations send
// the targeting snapshot to the collector and return the resulting
// flag mapping. HTTP lives in decide.go; tests script their own.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// FetchRequest is the targeting snapshot for one evaluation fetch.
type FetchRequest struct {
	DistinctID       string
	PersonProperties property.Map
	Groups           map[string]string
	GroupProperties  map[string]property.Map
}

// FetchResponse carries the evaluated flags. Partial reports that
// the server failed to compute some flags; the cache then merges
// into the previous mapping instead of replacing it, so flags the
// server omitted keep their last known value.
type FetchResponse struct {
	Flags   map[string]Flag
	Partial bool
}

// CaptureFunc receives usage events ($feature_flag_called) for the
// event queue. Wired by the client; nil disables usage tracking.
type CaptureFunc func(name string, properties property.Map)

// Config holds the parameters for a Cache.
type Config struct {
	// Fetcher performs evaluation fetches. Required.
	Fetcher Fetcher

	// Store persists the cache and targeting snapshot. Required.
	Store store.Store

	// DistinctID returns the current acting identity at fetch time.
	// Required.
	DistinctID func() string

	// Capture emits flag-usage events. Nil disables usage tracking.
	Capture CaptureFunc

	// Logger receives reload diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Cache is the local view of server-assigned feature flags.
//
// Reads never touch the network: GetFlag and the usage-tracked
// accessors serve whatever the last successful reload produced
// (loaded from the store on startup, so flags survive restarts). A
// failed reload keeps the previous mapping — serve-stale. Concurrent
// reloads coalesce into one in-flight fetch; late callers observe the
// first fetch's result.
type Cache struct {
	fetcher    Fetcher
	store      store.Store
	distinctID func() string
	capture    CaptureFunc
	logger     *slog.Logger

	mu         sync.Mutex
	flags      map[string]Flag
	loaded     bool
	generation uint64 // bumped on every successful reload and on Reset

	// usageSeen dedupes $feature_flag_called per key+value per
	// generation, so hot-path flag reads don't blow up event volume.
	usageSeen map[string]bool

	// inflight coalesces concurrent reloads: non-nil while a fetch
	// is running; waiters receive the fetch's error.
	inflight []chan error

	// epoch invalidates in-flight fetches: Reset bumps it, and a
	// fetch started under an older epoch discards its result
	// instead of re-populating a cleared cache.
	epoch uint64

	person property.Map
	groups map[string]string
	groupP map[string]property.Map

	subscribers *registry
}

// New creates a Cache, recovering the persisted flag mapping and
// targeting snapshot from the store.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Fetcher == nil || cfg.Store == nil || cfg.DistinctID == nil {
		return nil, fmt.Errorf("flags: Fetcher, Store, and DistinctID are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		fetcher:     cfg.Fetcher,
		store:       cfg.Store,
		distinctID:  cfg.DistinctID,
		capture:     cfg.Capture,
		logger:      logger,
		flags:       make(map[string]Flag),
		usageSeen:   make(map[string]bool),
		groups:      make(map[string]string),
		groupP:      make(map[string]property.Map),
		subscribers: newRegistry(),
	}
	c.recover(ctx)
	return c, nil
}

// persistedCache is the CBOR layout of the stored flag mapping.
type persistedCache struct {
	Flags map[string]Flag `cbor:"flags"`
}

// recover loads the persisted mapping and targeting snapshot. Any
// failure here degrades to an empty cache; it never fails startup.
func (c *Cache) recover(ctx context.Context) {
	if blob, found, err := c.store.Get(ctx, cacheKey); err != nil {
		c.logger.Warn("flags: reading persisted cache", "error", err)
	} else if found {
		var persisted persistedCache
		if err := codec.Unmarshal(blob, &persisted); err != nil {
			c.logger.Warn("flags: decoding persisted cache", "error", err)
		} else if persisted.Flags != nil {
			c.flags = persisted.Flags
			c.loaded = true
		}
	}

	if blob, found, err := c.store.Get(ctx, personKey); err == nil && found {
		var person property.Map
		if err := codec.Unmarshal(blob, &person); err == nil {
			c.person = person
		}
	}
	if blob, found, err := c.store.Get(ctx, groupPropsKey); err == nil && found {
		var groupP map[string]property.Map
		if err := codec.Unmarshal(blob, &groupP); err == nil && groupP != nil {
			c.groupP = groupP
		}
	}
}

// Loaded reports whether the cache holds at least one successful (or
// recovered) evaluation result.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Reload fetches current evaluations using the targeting snapshot.
// On success the mapping is atomically replaced (or merged, for a
// partial response), persisted, and subscribers are notified exactly
// once. On failure the previous mapping stays readable and the error
// is returned.
//
// Concurrent callers coalesce: if a fetch is already in flight, the
// call blocks until that fetch finishes and returns its error without
// issuing a second network call.
func (c *Cache) Reload(ctx context.Context) error {
	c.mu.Lock()
	if c.inflight != nil {
		// A fetch is running; wait for its result.
		waiter := make(chan error, 1)
		c.inflight = append(c.inflight, waiter)
		c.mu.Unlock()
		select {
		case err := <-waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.inflight = []chan error{}
	epochAtStart := c.epoch
	req := FetchRequest{
		DistinctID:       c.distinctID(),
		PersonProperties: c.person.Clone(),
		Groups:           cloneGroups(c.groups),
		GroupProperties:  cloneGroupProps(c.groupP),
	}
	c.mu.Unlock()

	response, err := c.fetcher.Fetch(ctx, req)

	c.mu.Lock()
	waiters := c.inflight
	c.inflight = nil

	if err == nil && c.epoch != epochAtStart {
		// Reset or opt-out happened mid-fetch; the network call
		// completed but its result must not repopulate the cache.
		err = fmt.Errorf("flags: reload superseded by reset")
	}

	if err == nil {
		if response.Partial {
			for key, flag := range response.Flags {
				c.flags[key] = flag
			}
		} else {
			next := make(map[string]Flag, len(response.Flags))
			for key, flag := range response.Flags {
				next[key] = flag
			}
			c.flags = next
		}
		c.loaded = true
		c.generation++
		c.usageSeen = make(map[string]bool)
		c.persistLocked(ctx)
	} else {
		c.logger.Warn("flags: reload failed, serving stale cache", "error", err)
	}
	c.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- err
	}
	if err == nil {
		// Fired outside the lock: subscribers may call back into
		// the cache or unsubscribe during notification.
		c.subscribers.notify()
	}
	return err
}

// persistLocked writes the current mapping to the store. Caller
// holds c.mu.
func (c *Cache) persistLocked(ctx context.Context) {
	blob, err := codec.Marshal(persistedCache{Flags: c.flags})
	if err != nil {
		c.logger.Warn("flags: encoding cache", "error", err)
		return
	}
	if err := c.store.Put(ctx, cacheKey, blob); err != nil {
		c.logger.Warn("flags: persisting cache", "error", err)
	}
}

// GetFlag returns the cached flag for key without recording usage.
// Absent keys yield the zero Flag (disabled, no payload). Never
// blocks on the network.
func (c *Cache) GetFlag(key string) Flag {
	c.mu.Lock()
	defer c.mu.Unlock()
	flag, ok := c.flags[key]
	if !ok {
		return Flag{Key: key}
	}
	return flag
}

// IsEnabled is the public "is enabled" read: it returns the flag's
// enabled state and records usage.
func (c *Cache) IsEnabled(key string) bool {
	flag := c.GetFlag(key)
	c.trackUsage(flag)
	return flag.Enabled
}

// Variant is the public variant read: the multivariate variant (""
// for boolean or absent flags), with usage recorded.
func (c *Cache) Variant(key string) string {
	flag := c.GetFlag(key)
	c.trackUsage(flag)
	return flag.Variant
}

// Payload returns the flag's payload with safe accessors. Payload
// reads piggyback on IsEnabled/Variant for exposure accounting, so
// this path does not itself record usage.
func (c *Cache) Payload(key string) property.Value {
	return c.GetFlag(key).PayloadValue()
}

// trackUsage emits one $feature_flag_called event per flag-key+value
// combination per load generation.
func (c *Cache) trackUsage(flag Flag) {
	if c.capture == nil {
		return
	}

	value := usageValue(flag)
	c.mu.Lock()
	seenKey := flag.Key + "\x00" + fmt.Sprint(value)
	if c.usageSeen[seenKey] {
		c.mu.Unlock()
		return
	}
	c.usageSeen[seenKey] = true
	c.mu.Unlock()

	c.capture("$feature_flag_called", property.Map{
		"$feature_flag":          flag.Key,
		"$feature_flag_response": value,
	})
}

// usageValue is the reported evaluation result: the variant when one
// exists, otherwise the boolean state.
func usageValue(flag Flag) any {
	if flag.Variant != "" {
		return flag.Variant
	}
	return flag.Enabled
}

// SetPersonProperties merges properties into the person targeting
// snapshot used by the next Reload. It does not trigger a fetch.
func (c *Cache) SetPersonProperties(ctx context.Context, properties property.Map) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.person = c.person.Merge(properties)
	c.persistTargetingLocked(ctx)
}

// ResetPersonProperties clears the person targeting snapshot.
func (c *Cache) ResetPersonProperties(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.person = nil
	c.persistTargetingLocked(ctx)
}

// SetGroup associates the current process with a group: group-type
// ("company") to group-key ("acme"), plus optional group properties
// for targeting.
func (c *Cache) SetGroup(ctx context.Context, groupType, groupKey string, properties property.Map) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[groupType] = groupKey
	if properties != nil {
		c.groupP[groupType] = c.groupP[groupType].Merge(properties)
	}
	c.persistTargetingLocked(ctx)
}

// SetGroupProperties merges properties into one group type's
// targeting snapshot.
func (c *Cache) SetGroupProperties(ctx context.Context, groupType string, properties property.Map) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groupP[groupType] = c.groupP[groupType].Merge(properties)
	c.persistTargetingLocked(ctx)
}

// ResetGroupProperties clears one group type's snapshot, or every
// group's when groupType is empty.
func (c *Cache) ResetGroupProperties(ctx context.Context, groupType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if groupType == "" {
		c.groupP = make(map[string]property.Map)
	} else {
		delete(c.groupP, groupType)
	}
	c.persistTargetingLocked(ctx)
}

// persistTargetingLocked writes the targeting snapshot. Caller holds
// c.mu.
func (c *Cache) persistTargetingLocked(ctx context.Context) {
	if blob, err := codec.Marshal(c.person); err == nil {
		if err := c.store.Put(ctx, personKey, blob); err != nil {
			c.logger.Warn("flags: persisting person properties", "error", err)
		}
	}
	if blob, err := codec.Marshal(c.groupP); err == nil {
		if err := c.store.Put(ctx, groupPropsKey, blob); err != nil {
			c.logger.Warn("flags: persisting group properties", "error", err)
		}
	}
}

// Reset clears the cached mapping, the targeting snapshot, and the
// persisted state, and invalidates any in-flight reload.
func (c *Cache) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flags = make(map[string]Flag)
	c.loaded = false
	c.epoch++
	c.generation++
	c.usageSeen = make(map[string]bool)
	c.person = nil
	c.groups = make(map[string]string)
	c.groupP = make(map[string]property.Map)

	for _, key := range []string{cacheKey, personKey, groupPropsKey} {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("flags: clearing persisted state", "key", key, "error", err)
		}
	}
}

// Subscribe registers a callback fired once per successful reload.
// The returned function unsubscribes; calling it during notification
// is allowed and does not disturb the in-progress dispatch pass.
func (c *Cache) Subscribe(callback func()) (unsubscribe func()) {
	return c.subscribers.add(callback)
}

func cloneGroups(groups map[string]string) map[string]string {
	if len(groups) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(groups))
	for k, v := range groups {
		cloned[k] = v
	}
	return cloned
}

func cloneGroupProps(groupP map[string]property.Map) map[string]property.Map {
	if len(groupP) == 0 {
		return nil
	}
	cloned := make(map[string]property.Map, len(groupP))
	for k, v := range groupP {
		cloned[k] = v.Clone()
	}
	return cloned
}
