// Copyright 2026 The Signalpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport delivers batch envelopes to the collector.
//
// The dispatcher depends only on the Transport interface and its
// three-way Result classification (delivered, permanently rejected,
// transiently failed); the HTTP implementation here maps response
// codes onto that classification and handles request-body
// compression. Tests substitute a scripted fake transport.
package transport
