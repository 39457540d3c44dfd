// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
)

// ProtocolError reports a malformed client request: a truncated body,
// a declared length that disagrees with the actual payload, an unknown
// opcode, or an out-of-range field. It is connection-scoped — the
// server closes the offending connection and nothing else.
type ProtocolError struct {
	// Proto names the protocol ("display", "audio", "shm").
	Proto string

	// Op names the request being parsed, when known.
	Op string

	// Reason describes what was wrong with the bytes.
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s protocol: %s", e.Proto, e.Reason)
	}
	return fmt.Sprintf("%s protocol: %s: %s", e.Proto, e.Op, e.Reason)
}

// Protocolf constructs a ProtocolError with a formatted reason.
func Protocolf(proto, op, format string, args ...any) *ProtocolError {
	return &ProtocolError{Proto: proto, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ResourceError reports an operation against an unknown, destroyed, or
// exhausted resource id. It is replied to the client and never crashes
// the server; the connection stays open.
type ResourceError struct {
	// Op names the failing operation.
	Op string

	// ID is the offending resource id, zero when the failure is not
	// tied to a specific id (e.g. id-space exhaustion).
	ID uint32

	// Reason describes the failure.
	Reason string
}

func (e *ResourceError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: resource %#x: %s", e.Op, e.ID, e.Reason)
}

// Resourcef constructs a ResourceError with a formatted reason.
func Resourcef(op string, id uint32, format string, args ...any) *ResourceError {
	return &ResourceError{Op: op, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// IsResourceError reports whether err is (or wraps) a ResourceError.
func IsResourceError(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}
