// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package environment

import (
	"fmt"
	"log/slog"
	"sync"
)

// Component is one orchestrated service. Start must be safe to roll
// back with Stop, and Stop must tolerate a component that never
// started.
type Component interface {
	Name() string
	Start() error
	Stop() error
}

// Environment starts and stops components as a unit. Registration
// order is start order; stop order is its reverse, so dependents go
// down before what they depend on.
type Environment struct {
	logger *slog.Logger

	mu         sync.Mutex
	components []Component
	started    bool
	stopped    bool
}

// New creates an empty environment.
func New(logger *slog.Logger) *Environment {
	if logger == nil {
		logger = slog.Default()
	}
	return &Environment{logger: logger}
}

// Register appends a component. Must be called before Start.
func (e *Environment) Register(c Component) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.components = append(e.components, c)
}

// Components returns the registered components in registration order.
func (e *Environment) Components() []Component {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Component(nil), e.components...)
}

// Start starts every component in registration order. On failure the
// already-started components are stopped in reverse and the failing
// component's error is returned.
func (e *Environment) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("environment already started")
	}
	for i, component := range e.components {
		e.logger.Info("starting component", "component", component.Name())
		if err := component.Start(); err != nil {
			e.logger.Error("component failed to start, rolling back",
				"component", component.Name(), "error", err)
			e.stopRange(i - 1)
			return fmt.Errorf("starting %s: %w", component.Name(), err)
		}
	}
	e.started = true
	return nil
}

// Stop stops every component in reverse registration order. Idempotent
// and safe on an environment that never started; individual stop
// failures are logged and do not short-circuit the rest.
func (e *Environment) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped || !e.started {
		e.stopped = true
		return
	}
	e.stopRange(len(e.components) - 1)
	e.started = false
	e.stopped = true
}

// stopRange stops components[0..last] in reverse. Caller holds e.mu.
func (e *Environment) stopRange(last int) {
	for i := last; i >= 0; i-- {
		component := e.components[i]
		e.logger.Info("stopping component", "component", component.Name())
		if err := component.Stop(); err != nil {
			e.logger.Error("component stop failed",
				"component", component.Name(), "error", err)
		}
	}
}

// Lookup returns the first registered component of type T. The
// launcher uses this to reach the display server's shared-memory
// bridge without the wiring layers referencing each other.
func Lookup[T Component](e *Environment) (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, component := range e.components {
		if match, ok := component.(T); ok {
			return match, true
		}
	}
	var zero T
	return zero, false
}
