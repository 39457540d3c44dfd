// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package launcher stages the binary translator and runs guest
// processes inside the sandboxed root.
//
// The guest never sees a chroot: the runner is a ptrace-based syscall
// wrapper that remaps paths according to --bind arguments. The
// launcher's job is to assemble those arguments, prepare the staged
// translator (decompressed, executable, its ELF interpreter pointed at
// the host's dynamic linker), and supervise the resulting process:
// launch, suspend, resume, stop, and exactly-once termination
// reporting.
package launcher
