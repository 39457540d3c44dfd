// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package environment

import (
	"errors"
	"testing"
)

// fakeComponent records lifecycle calls into a shared journal.
type fakeComponent struct {
	name     string
	journal  *[]string
	startErr error
	stopErr  error
}

func (c *fakeComponent) Name() string { return c.name }

func (c *fakeComponent) Start() error {
	*c.journal = append(*c.journal, "start "+c.name)
	return c.startErr
}

func (c *fakeComponent) Stop() error {
	*c.journal = append(*c.journal, "stop "+c.name)
	return c.stopErr
}

func TestStartAndStopOrder(t *testing.T) {
	var journal []string
	env := New(nil)
	env.Register(&fakeComponent{name: "a", journal: &journal})
	env.Register(&fakeComponent{name: "b", journal: &journal})
	env.Register(&fakeComponent{name: "c", journal: &journal})

	if err := env.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	env.Stop()

	want := []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}
	if len(journal) != len(want) {
		t.Fatalf("journal = %v", journal)
	}
	for i := range want {
		if journal[i] != want[i] {
			t.Fatalf("journal[%d] = %q, want %q", i, journal[i], want[i])
		}
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	var journal []string
	boom := errors.New("boom")
	env := New(nil)
	env.Register(&fakeComponent{name: "a", journal: &journal})
	env.Register(&fakeComponent{name: "b", journal: &journal})
	env.Register(&fakeComponent{name: "c", journal: &journal, startErr: boom})
	env.Register(&fakeComponent{name: "d", journal: &journal})

	err := env.Start()
	if !errors.Is(err, boom) {
		t.Fatalf("Start = %v, want wrapped boom", err)
	}

	want := []string{"start a", "start b", "start c", "stop b", "stop a"}
	if len(journal) != len(want) {
		t.Fatalf("journal = %v", journal)
	}
	for i := range want {
		if journal[i] != want[i] {
			t.Fatalf("journal[%d] = %q, want %q", i, journal[i], want[i])
		}
	}
}

func TestStopIdempotentAndNeverStarted(t *testing.T) {
	var journal []string
	env := New(nil)
	env.Register(&fakeComponent{name: "a", journal: &journal})

	env.Stop() // never started: nothing to do
	if len(journal) != 0 {
		t.Fatalf("stop of never-started environment ran: %v", journal)
	}

	if err := env.Start(); err != nil {
		t.Fatal(err)
	}
	env.Stop()
	env.Stop() // second stop is a no-op
	if got := len(journal); got != 2 {
		t.Errorf("journal has %d entries, want 2: %v", got, journal)
	}
}

func TestStopFailureDoesNotBlockOthers(t *testing.T) {
	var journal []string
	env := New(nil)
	env.Register(&fakeComponent{name: "a", journal: &journal})
	env.Register(&fakeComponent{name: "b", journal: &journal, stopErr: errors.New("stuck")})
	env.Register(&fakeComponent{name: "c", journal: &journal})

	if err := env.Start(); err != nil {
		t.Fatal(err)
	}
	env.Stop()

	want := []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}
	if len(journal) != len(want) {
		t.Fatalf("journal = %v", journal)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	env := New(nil)
	if err := env.Start(); err != nil {
		t.Fatal(err)
	}
	if err := env.Start(); err == nil {
		t.Error("second Start succeeded")
	}
}

type namedComponent struct{ fakeComponent }

func TestLookup(t *testing.T) {
	var journal []string
	env := New(nil)
	plain := &fakeComponent{name: "plain", journal: &journal}
	named := &namedComponent{fakeComponent{name: "named", journal: &journal}}
	env.Register(plain)
	env.Register(named)

	found, ok := Lookup[*namedComponent](env)
	if !ok || found != named {
		t.Errorf("Lookup[*namedComponent] = %v, %v", found, ok)
	}
	first, ok := Lookup[*fakeComponent](env)
	if !ok || first != plain {
		t.Error("Lookup did not return the first match in registration order")
	}
}
