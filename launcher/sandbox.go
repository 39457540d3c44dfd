// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// BindMount maps a host path into the guest's view. The runner remaps
// guest-side path lookups; nothing is mounted in the kernel sense.
type BindMount struct {
	Host     string
	Guest    string
	ReadOnly bool
}

// ParseBind parses "host:guest" or "host:guest:ro".
func ParseBind(s string) (BindMount, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		return BindMount{Host: parts[0], Guest: parts[1]}, nil
	case 3:
		if parts[2] != "ro" && parts[2] != "rw" {
			return BindMount{}, fmt.Errorf("bind mode %q, want ro or rw", parts[2])
		}
		return BindMount{Host: parts[0], Guest: parts[1], ReadOnly: parts[2] == "ro"}, nil
	default:
		return BindMount{}, fmt.Errorf("bind %q, want host:guest[:ro]", s)
	}
}

// arg renders the runner's --bind form.
func (b BindMount) arg() string {
	if b.ReadOnly {
		return fmt.Sprintf("--bind=%s:%s:ro", b.Host, b.Guest)
	}
	return fmt.Sprintf("--bind=%s:%s", b.Host, b.Guest)
}

// SandboxSpec is the complete description of one guest launch. It is
// built once per Launch and never mutated after the spawn, so the
// supervising goroutine can read it without locks.
type SandboxSpec struct {
	// Root is the translated-root directory, also the runner's
	// working directory.
	Root string

	// Runner is the syscall-trapping runner binary.
	Runner string

	// Translator is the staged, patched translator binary.
	Translator string

	// Exe is the guest executable path inside Root.
	Exe string

	// Binds are applied in order; the first match wins in the runner,
	// so built-ins precede profile and per-launch binds.
	Binds []BindMount

	// Env is the complete guest environment.
	Env map[string]string
}

// Validate checks every host-side path the spec depends on. The first
// missing path fails with a SetupError naming it; nothing is spawned
// on a spec that fails validation.
func (s *SandboxSpec) Validate() error {
	if _, err := os.Stat(s.Runner); err != nil {
		return setupErr("runner binary", s.Runner, err)
	}
	if _, err := os.Stat(s.Translator); err != nil {
		return setupErr("staged translator", s.Translator, err)
	}
	if _, err := os.Stat(s.Exe); err != nil {
		return setupErr("guest executable", s.Exe, err)
	}
	for _, bind := range s.Binds {
		if _, err := os.Stat(bind.Host); err != nil {
			return setupErr("bind mount", bind.Host, err)
		}
	}
	return nil
}

// RunnerArgs assembles the runner's argument vector: binds in spec
// order, environment as sorted --setenv arguments (sorted so the argv
// is deterministic for logs and tests), then the translator and the
// guest executable after the terminator.
func (s *SandboxSpec) RunnerArgs() []string {
	args := make([]string, 0, len(s.Binds)+len(s.Env)+4)
	for _, bind := range s.Binds {
		args = append(args, bind.arg())
	}

	keys := make([]string, 0, len(s.Env))
	for key := range s.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, fmt.Sprintf("--setenv=%s=%s", key, s.Env[key]))
	}

	args = append(args, "--", s.Translator, s.Exe)
	return args
}
