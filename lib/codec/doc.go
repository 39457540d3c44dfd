// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Guestbox's standard CBOR encoding configuration.
//
// Guestbox keeps a clear serialization boundary:
//
//   - The guest-facing wire protocols (display, audio, shared memory)
//     are hand-framed little-endian binary, because their byte layouts
//     are protocol constants the guest's client libraries depend on.
//   - Internal durable state — the per-sandbox-root staging manifest —
//     is CBOR, encoded through this package.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes, so a manifest
// rewrite with unchanged content leaves the file byte-identical.
package codec
