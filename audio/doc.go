// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package audio implements the playback protocol server.
//
// Each connection carries exactly one PCM stream: the client opens the
// stream with its sample format, writes frame payloads, and closes. A
// write is acknowledged only after the sink accepts the frames, so
// backpressure propagates to the guest instead of dropping or
// reordering audio. The sink behind the server is pluggable; the
// default is a bounded in-memory buffer whose writers block when the
// buffer is full.
package audio
