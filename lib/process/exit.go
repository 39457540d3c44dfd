// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard Guestbox binary entrypoint error handler. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Exit terminates the process with the given code. It exists so that
// main() can mirror a guest's exit code without a bare os.Exit call
// scattered through supervisor logic.
func Exit(code int) {
	os.Exit(code)
}
