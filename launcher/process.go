// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"sync"
	"time"
)

// Status is a guest process lifecycle state.
type Status int

const (
	// StatusStarting covers the window between spawn and the
	// supervisor picking the process up.
	StatusStarting Status = iota

	// StatusRunning is a live guest (suspended counts as running;
	// SIGSTOP does not change the lifecycle state).
	StatusRunning

	// StatusExited is a guest that terminated on its own.
	StatusExited

	// StatusCrashed is a guest terminated by an unrequested signal.
	// A crash is a normal terminal state reported through the
	// termination callback, not a launcher error.
	StatusCrashed

	// StatusKilled is a guest terminated by Stop.
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusCrashed:
		return "crashed"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// terminal reports whether the status is an end state.
func (s Status) terminal() bool {
	return s == StatusExited || s == StatusCrashed || s == StatusKilled
}

// GuestProcess is one spawned guest. The identity fields are fixed at
// spawn; the lifecycle state advances Starting → Running → one
// terminal state, after which Done is closed.
type GuestProcess struct {
	pid         int
	commandLine []string
	startTime   time.Time

	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	status        Status
	exitCode      int
	killRequested bool
}

func newGuestProcess(pid int, commandLine []string) *GuestProcess {
	return &GuestProcess{
		pid:         pid,
		commandLine: append([]string(nil), commandLine...),
		startTime:   time.Now(),
		done:        make(chan struct{}),
		status:      StatusStarting,
	}
}

// PID returns the runner's process id (also its process group id).
func (p *GuestProcess) PID() int { return p.pid }

// CommandLine returns a copy of the spawned argument vector.
func (p *GuestProcess) CommandLine() []string {
	return append([]string(nil), p.commandLine...)
}

// StartTime returns when the guest was spawned.
func (p *GuestProcess) StartTime() time.Time { return p.startTime }

// Done is closed when the guest reaches a terminal state.
func (p *GuestProcess) Done() <-chan struct{} { return p.done }

// Status returns the current lifecycle state and, for terminal states,
// the exit code (128+signal for signal deaths).
func (p *GuestProcess) Status() (Status, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.exitCode
}

func (p *GuestProcess) markRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.status.terminal() {
		p.status = StatusRunning
	}
}

// markKillRequested records that the coming signal death is a Stop,
// not a crash. Called before the SIGKILL is sent.
func (p *GuestProcess) markKillRequested() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killRequested = true
}

// finish moves the process to its terminal state, closes Done, and
// fires the callback. The sync.Once makes the callback exactly-once
// no matter how the guest died or how many paths report it.
func (p *GuestProcess) finish(signaled bool, exitCode int, callback func(*GuestProcess)) {
	p.once.Do(func() {
		p.mu.Lock()
		switch {
		case signaled && p.killRequested:
			p.status = StatusKilled
		case signaled:
			p.status = StatusCrashed
		default:
			p.status = StatusExited
		}
		p.exitCode = exitCode
		p.mu.Unlock()

		close(p.done)
		if callback != nil {
			callback(p)
		}
	})
}
