// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package environment orders the lifecycle of the servers a guest
// needs: components start in registration order, a mid-start failure
// rolls the already-started ones back in reverse, and shutdown walks
// the same reverse order. Stop failures are logged and never block the
// remaining components.
package environment
