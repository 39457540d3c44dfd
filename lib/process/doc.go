// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Guestbox
// binaries. These functions centralize the raw I/O patterns that exist
// before or after the structured logger:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger).
//   - Process exit after an unrecoverable error in main().
//
// All other output in the supervisor goes through log/slog.
package process
