// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalpost/signalpost-go/lib/codec"
	"github.com/signalpost/signalpost-go/lib/property"
)

// ErrEmptyName is returned when a capture has no event name. Such
// captures are rejected at the API boundary and never enqueued.
var ErrEmptyName = errors.New("event: empty event name")

// Event is one captured telemetry event. The id is a UUIDv7 assigned
// at creation: time-ordered, so ids sort in roughly insertion order,
// and unique, so redelivery after a transient failure deduplicates
// server-side. Once persisted an event is immutable until deleted.
//
// The JSON field names are the collector's wire schema; the cbor tags
// are the durable-store encoding. Both serialize the same fields.
type Event struct {
	UUID       string       `json:"uuid" cbor:"uuid"`
	Name       string       `json:"event" cbor:"event"`
	DistinctID string       `json:"distinct_id" cbor:"distinct_id"`
	Timestamp  string       `json:"timestamp" cbor:"timestamp"`
	Properties property.Map `json:"properties,omitempty" cbor:"properties,omitempty"`
}

// New creates an event stamped with a fresh UUIDv7 and the given
// capture time. The name must be non-empty. Properties are
// normalized into the closed property union; entries that cannot be
// normalized are dropped (the returned error reports the first, and
// the event is still usable).
func New(name, distinctID string, capturedAt time.Time, properties property.Map) (Event, error) {
	if name == "" {
		return Event{}, ErrEmptyName
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, fmt.Errorf("event: generating id: %w", err)
	}

	normalized, normErr := property.NormalizeMap(properties)
	evt := Event{
		UUID:       id.String(),
		Name:       name,
		DistinctID: distinctID,
		Timestamp:  capturedAt.UTC().Format(time.RFC3339Nano),
		Properties: normalized,
	}
	return evt, normErr
}

// MarshalStored encodes the event as a deterministic CBOR blob for
// the durable store.
func (e Event) MarshalStored() ([]byte, error) {
	return codec.Marshal(e)
}

// UnmarshalStored decodes a durable-store blob back into an event.
func UnmarshalStored(data []byte) (Event, error) {
	var evt Event
	if err := codec.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("event: decoding stored blob: %w", err)
	}
	return evt, nil
}

// Batch is the wire envelope sent to the collector: the project
// credential, the events oldest-first, and the send timestamp. A
// batch is transient — it is rebuilt from the queue on every flush
// attempt, never persisted.
type Batch struct {
	APIKey string  `json:"api_key"`
	Batch  []Event `json:"batch"`
	SentAt string  `json:"sent_at"`
}

// NewBatch assembles a wire envelope around events.
func NewBatch(apiKey string, events []Event, sentAt time.Time) Batch {
	return Batch{
		APIKey: apiKey,
		Batch:  events,
		SentAt: sentAt.UTC().Format(time.RFC3339Nano),
	}
}

// MarshalWire encodes the envelope as the collector's JSON body.
func (b Batch) MarshalWire() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("event: encoding batch: %w", err)
	}
	return data, nil
}
