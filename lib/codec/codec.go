// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, shortest-form integers, no indefinite lengths. The
// same logical value always produces identical bytes, which keeps
// persisted blobs byte-comparable across restarts.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields, so blobs
// written by a newer SDK remain readable by an older one.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Event properties decode into any-typed targets. CBOR's
		// default map type for those is map[interface{}]interface{},
		// which nothing downstream (encoding/json included) accepts.
		// Property maps only ever use string keys, so pin the decoded
		// type to map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Non-negative integers otherwise decode into any-typed
		// targets as uint64, so a round-tripped int64 property would
		// change type. Convert to int64 unless the value overflows it.
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
