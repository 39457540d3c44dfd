// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire provides the byte-level plumbing shared by the three
// guest-facing protocols (display, audio, shared memory): little-endian
// cursor readers and writers, the common payload-size guard, and the
// connection- and resource-scoped error types of the protocol error
// taxonomy.
//
// All three protocols are little-endian with fixed-size headers and
// variable-length payloads. The byte layouts are protocol constants
// that the guest's client libraries hard-code, which is why this
// package deals in explicit offsets rather than struct serialization.
package wire
