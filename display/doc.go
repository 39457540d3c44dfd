// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package display implements the windowing wire protocol the guest's
// display driver speaks: a byte-order-checked setup handshake followed
// by length-prefixed little-endian requests against server-side
// resources (windows, pixmaps, graphics contexts).
//
// Resource state lives in a [Registry]: a server-wide arena of
// resources indexed by 32-bit id, guarded by one lock because
// resources are cross-referenced between clients. Each client is
// granted a disjoint id subrange at handshake time, and the server
// assigns ids from that subrange on create requests, so ids never
// collide across clients and are never reused while live. The window
// hierarchy stores parents as ids and children as an ordered id list
// — no owning pointers — and destroying a window cascades to its
// descendants in creation order.
//
// Host input (key, button, motion, expose) is synthesized into 32-byte
// protocol event records and delivered only to connections whose
// registered mask for the target window matches. Delivery per window
// is FIFO; the registry lock is always released before a blocking
// socket write, so a slow client stalls only its own connection.
//
// Bulk pixel transfer can bypass socket copies through the
// shared-memory bridge: a client attaches an emulated shm segment and
// pushes images by (segment handle, offset) instead of inline payload.
//
// The request surface is deliberately minimal — exactly what the
// guest's drivers use. Unknown opcodes and malformed bodies are
// connection-scoped protocol errors; operations on unknown ids are
// resource errors replied to the client.
package display
