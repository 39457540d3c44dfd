// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package shm emulates System-V shared memory for the guest. The host
// offers no privileged sysv IPC, so segments are memfd-backed buffers
// handed to clients as passed file descriptors over the coordination
// socket.
//
// [Emulator] owns the segment table: guest-chosen integer keys map to
// monotonically assigned segment ids, attaches are reference-counted,
// and [Emulator.DeleteAll] force-frees every segment at shutdown
// regardless of outstanding attach counts — a crashed guest cannot be
// trusted to detach. The id counter fails closed on exhaustion rather
// than wrapping into a collision with a live segment.
//
// [Service] binds the emulator to its Unix socket: Create, Attach
// (reply carries the memfd via SCM_RIGHTS), Detach, and Delete
// requests, each an 8-byte little-endian header plus fixed payload.
// The display server's shared-memory bridge reads segment contents
// directly through [Segment.Bytes] for bulk image transfer.
package shm
