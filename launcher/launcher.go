// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Backend names inside the translated root. The active backend is
// staged per launch; the inactive one is removed so the root never
// carries a translator that does not match the guest's bitness.
const (
	Backend32 = "translator32"
	Backend64 = "translator64"
)

// Sockets are the server socket paths exported to the guest
// environment.
type Sockets struct {
	Display string
	Shm     string
	Audio   string
}

// Launcher runs at most one guest at a time inside a translated root.
// Launch, Stop, Suspend, and Resume share one mutex; the supervising
// goroutine reports termination without holding it.
type Launcher struct {
	profile *Profile
	root    string
	stager  *Stager
	sockets Sockets
	logger  *slog.Logger

	// onTermination fires exactly once per guest, whatever the
	// terminal state. Set before the first Launch.
	onTermination func(*GuestProcess)

	mu      sync.Mutex
	current *GuestProcess
}

// New creates a launcher over an existing translated root.
func New(profile *Profile, root string, sockets Sockets, logger *slog.Logger) (*Launcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, setupErr("translated root", root, err)
	}
	if !info.IsDir() {
		return nil, setupErrf("translated root", root, "not a directory")
	}
	return &Launcher{
		profile: profile,
		root:    root,
		stager:  NewStager(root, profile.HostLinker, logger),
		sockets: sockets,
		logger:  logger,
	}, nil
}

// SetTerminationCallback registers the exactly-once termination
// callback. Must be called before the first Launch.
func (l *Launcher) SetTerminationCallback(fn func(*GuestProcess)) {
	l.onTermination = fn
}

// Name identifies the component to the orchestrator.
func (l *Launcher) Name() string { return "launcher" }

// Start verifies the profile's runner is present. Staging happens per
// launch, so a missing translator source surfaces from Launch instead.
func (l *Launcher) Start() error {
	if l.profile.Runner == "" {
		return setupErrf("runner binary", "", "profile has no runner")
	}
	if _, err := os.Stat(l.profile.Runner); err != nil {
		return setupErr("runner binary", l.profile.Runner, err)
	}
	return nil
}

// Stop kills the running guest, if any, and waits for it to be
// reaped. Idempotent.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked()
}

// Launch stages the translator for the requested bitness and spawns
// the guest executable under the runner. A guest already running is
// stopped first; at most one guest exists per launcher. All setup
// failures return before anything is spawned.
func (l *Launcher) Launch(exePath string, extraBinds []string, envOverrides map[string]string, is64Bit bool) (*GuestProcess, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.stopLocked(); err != nil {
		return nil, err
	}

	source, active, inactive := l.profile.Translator32, Backend32, Backend64
	if is64Bit {
		source, active, inactive = l.profile.Translator64, Backend64, Backend32
	}
	if source == "" {
		return nil, setupErrf("translator source", "", "profile has no %s", active)
	}
	translator, err := l.stager.Stage(source, active)
	if err != nil {
		return nil, err
	}
	if err := l.stager.Remove(inactive); err != nil {
		return nil, err
	}

	exe, err := l.resolveExe(exePath)
	if err != nil {
		return nil, err
	}
	binds, err := l.buildBinds(extraBinds)
	if err != nil {
		return nil, err
	}

	spec := &SandboxSpec{
		Root:       l.root,
		Runner:     l.profile.Runner,
		Translator: translator,
		Exe:        exe,
		Binds:      binds,
		Env:        l.buildEnv(envOverrides),
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Runner, spec.RunnerArgs()...)
	cmd.Dir = l.root
	// The guest environment travels via --setenv; the runner itself
	// gets only enough to start.
	cmd.Env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin"}
	// Own process group, so Stop can SIGKILL the runner together with
	// everything the translator forked.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: spec.Runner, Err: err}
	}

	process := newGuestProcess(cmd.Process.Pid, append([]string{spec.Runner}, spec.RunnerArgs()...))
	process.markRunning()
	l.current = process
	l.logger.Info("guest launched", "pid", process.PID(), "exe", exe, "is64bit", is64Bit)

	go l.supervise(process, cmd)
	return process, nil
}

// Suspend pauses the running guest with SIGSTOP. No-op without a
// tracked guest.
func (l *Launcher) Suspend() error {
	return l.signalCurrent(unix.SIGSTOP, "suspend")
}

// Resume continues a suspended guest with SIGCONT. No-op without a
// tracked guest.
func (l *Launcher) Resume() error {
	return l.signalCurrent(unix.SIGCONT, "resume")
}

// Current returns the tracked guest, or nil.
func (l *Launcher) Current() *GuestProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Launcher) signalCurrent(sig syscall.Signal, op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	process := l.current
	if process == nil {
		return nil
	}
	if status, _ := process.Status(); status.terminal() {
		return nil
	}
	if err := unix.Kill(-process.PID(), sig); err != nil {
		return fmt.Errorf("%s pid %d: %w", op, process.PID(), err)
	}
	l.logger.Debug("signaled guest", "op", op, "pid", process.PID())
	return nil
}

// stopLocked kills and reaps the tracked guest. Caller holds l.mu; the
// supervisor closes Done before it needs any lock, so waiting here
// cannot deadlock.
func (l *Launcher) stopLocked() error {
	process := l.current
	if process == nil {
		return nil
	}
	if status, _ := process.Status(); !status.terminal() {
		process.markKillRequested()
		// ESRCH means the group died between the check and the kill;
		// the supervisor still reaps it.
		if err := unix.Kill(-process.PID(), unix.SIGKILL); err != nil && err != unix.ESRCH {
			return fmt.Errorf("kill pid %d: %w", process.PID(), err)
		}
	}
	<-process.Done()
	l.current = nil
	return nil
}

// supervise reaps the guest and reports its terminal state. It closes
// Done (inside finish) before touching the launcher lock.
func (l *Launcher) supervise(process *GuestProcess, cmd *exec.Cmd) {
	err := cmd.Wait()
	signaled := false
	exitCode := 0
	if state := cmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signaled = true
			exitCode = 128 + int(ws.Signal())
		} else {
			exitCode = state.ExitCode()
		}
	} else if err != nil {
		signaled = true
		exitCode = 1
	}

	process.finish(signaled, exitCode, l.onTermination)
	status, _ := process.Status()
	l.logger.Info("guest terminated", "pid", process.PID(), "status", status.String(), "code", exitCode)

	l.mu.Lock()
	if l.current == process {
		l.current = nil
	}
	l.mu.Unlock()
}

// resolveExe resolves the guest executable path against the root and
// requires it to stay inside. Guests name their executable in guest
// terms; an absolute guest path maps under the root.
func (l *Launcher) resolveExe(exePath string) (string, error) {
	if exePath == "" {
		return "", setupErrf("guest executable", "", "empty path")
	}
	resolved := exePath
	if filepath.IsAbs(resolved) {
		resolved = filepath.Join(l.root, strings.TrimPrefix(resolved, "/"))
	} else {
		resolved = filepath.Join(l.root, resolved)
	}
	resolved = filepath.Clean(resolved)
	if resolved != l.root && !strings.HasPrefix(resolved, l.root+string(filepath.Separator)) {
		return "", setupErrf("guest executable", exePath, "escapes the translated root")
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", setupErr("guest executable", resolved, err)
	}
	return resolved, nil
}

// buildBinds assembles the bind set: built-ins first (so they win in
// the runner's first-match resolution), then profile binds, then
// per-launch extras.
func (l *Launcher) buildBinds(extraBinds []string) ([]BindMount, error) {
	binds := []BindMount{
		{Host: l.root, Guest: "/"},
		{Host: os.TempDir(), Guest: "/tmp"},
		{Host: "/dev", Guest: "/dev"},
		{Host: "/proc", Guest: "/proc"},
		{Host: "/sys", Guest: "/sys", ReadOnly: true},
	}
	// The runner itself is dynamically linked; its interpreter and
	// libraries must stay reachable through the remap.
	if dir := filepath.Dir(l.profile.HostLinker); dir != "" && dir != "." && dir != "/" {
		binds = append(binds, BindMount{Host: dir, Guest: dir, ReadOnly: true})
	}
	for _, socket := range []string{l.sockets.Display, l.sockets.Shm, l.sockets.Audio} {
		if socket == "" {
			continue
		}
		dir := filepath.Dir(socket)
		if !containsBind(binds, dir) {
			binds = append(binds, BindMount{Host: dir, Guest: dir})
		}
	}

	for _, raw := range l.profile.Binds {
		bind, err := ParseBind(raw)
		if err != nil {
			return nil, setupErr("profile bind", raw, err)
		}
		binds = append(binds, bind)
	}
	for _, raw := range extraBinds {
		bind, err := ParseBind(raw)
		if err != nil {
			return nil, setupErr("extra bind", raw, err)
		}
		binds = append(binds, bind)
	}
	return binds, nil
}

func containsBind(binds []BindMount, host string) bool {
	for _, bind := range binds {
		if bind.Host == host {
			return true
		}
	}
	return false
}

// buildEnv layers the guest environment: launcher defaults, tuning
// flags, profile environment, then per-launch overrides. The caller
// wins every collision.
func (l *Launcher) buildEnv(overrides map[string]string) map[string]string {
	env := map[string]string{
		"HOME":   "/home/guest",
		"USER":   "guest",
		"PATH":   "/windows/system32",
		"TMPDIR": "/tmp",
	}
	if l.sockets.Display != "" {
		env["DISPLAY"] = l.sockets.Display
	}
	if l.sockets.Shm != "" {
		env["GUESTBOX_SHM_SOCKET"] = l.sockets.Shm
	}
	if l.sockets.Audio != "" {
		env["GUESTBOX_AUDIO_SOCKET"] = l.sockets.Audio
	}
	for k, v := range l.profile.Tuning {
		env[k] = v
	}
	for k, v := range l.profile.Environment {
		env[k] = v
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env
}
