// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrAlreadyRunning is returned by Start when the server is already
// running, or has been stopped. A Server binds its path at most once.
var ErrAlreadyRunning = errors.New("connector: server already started")

// BindError reports that the listening socket could not be bound: the
// parent directory is missing, the path is held by a live listener, or
// the bind itself failed.
type BindError struct {
	// Path is the socket path that could not be bound.
	Path string

	// Reason describes why the bind failed.
	Reason string

	// Err is the underlying error, when one exists.
	Err error
}

func (e *BindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bind %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("bind %s: %s", e.Path, e.Reason)
}

func (e *BindError) Unwrap() error { return e.Err }

// IsBindError reports whether err is (or wraps) a BindError.
func IsBindError(err error) bool {
	var be *BindError
	return errors.As(err, &be)
}

// isExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. These occur during ordinary teardown when one side closes
// while the other has a read or write in flight, and should be logged
// at debug level rather than as errors.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
