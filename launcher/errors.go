// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"errors"
	"fmt"
)

// SetupError is a failure preparing the sandbox before any process is
// spawned: a missing bind-mount source, a staging failure, or an ELF
// patch that cannot be applied. Step names what was being prepared and
// Path the filesystem object involved.
type SetupError struct {
	Step string
	Path string
	Err  error
}

func (e *SetupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sandbox setup: %s: %s", e.Step, e.Path)
	}
	return fmt.Sprintf("sandbox setup: %s: %s: %v", e.Step, e.Path, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

func setupErr(step, path string, err error) *SetupError {
	return &SetupError{Step: step, Path: path, Err: err}
}

func setupErrf(step, path, format string, args ...any) *SetupError {
	return &SetupError{Step: step, Path: path, Err: fmt.Errorf(format, args...)}
}

// IsSetupError reports whether err is or wraps a SetupError.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// LaunchError is a failure spawning the runner after setup succeeded.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IsLaunchError reports whether err is or wraps a LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}
