// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package connector implements the Unix-domain socket server shared by
// the display, audio, and shared-memory protocol handlers.
//
// A [Server] owns one listening socket. Each accepted connection gets
// a growable input buffer and a reader goroutine; the accept goroutine
// itself never runs protocol logic. With MultithreadedClients enabled,
// every connection dispatches requests on its own goroutine so a slow
// client cannot starve others; otherwise dispatch across all
// connections is serialized through one mutex, matching a
// single-threaded event loop.
//
// Lifecycle is guarded by an atomic state machine (idle → running →
// stopped): a second Start, or a Start racing Stop, is rejected
// explicitly instead of binding a second listener on the same path.
// Stop closes the listener and every connection, then joins all
// goroutines before returning.
//
// Failure containment: a handler error on one connection closes only
// that connection and fires its close callback; the loop and all other
// connections are unaffected.
//
// Connections can carry ancillary messages (passed file descriptors)
// in both directions when AncillaryMessages is enabled; the
// shared-memory protocol uses this to hand segment descriptors to the
// guest.
package connector
