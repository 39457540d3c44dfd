// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package display

import (
	"log/slog"
	"sync"

	"github.com/guestbox-project/guestbox/connector"
	"github.com/guestbox-project/guestbox/shm"
)

// DefaultInputBufferSize is the display connector's initial input
// buffer capacity. Larger than the connector default because the
// guest's driver batches requests, so they commonly arrive
// concatenated in one read.
const DefaultInputBufferSize = 64 * 1024

// Server is the display protocol engine: one connector, the shared
// resource registry, and the per-connection sessions. It implements
// connector.Handler and environment.Component.
type Server struct {
	registry *Registry
	server   *connector.Server
	logger   *slog.Logger

	mu         sync.Mutex
	sessions   map[*connector.Conn]*session
	nextClient uint32
	emulator   *shm.Emulator
}

// NewServer creates the display server bound to socketPath. Requests
// from a slow client must not stall others, so connections dispatch
// on their own goroutines; the registry lock serializes state.
func NewServer(socketPath string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: NewRegistry(),
		logger:   logger,
		sessions: make(map[*connector.Conn]*session),
	}
	server, err := connector.NewServer(connector.Config{
		SocketPath:           socketPath,
		MultithreadedClients: true,
		AncillaryMessages:    true,
		InitialBufferSize:    DefaultInputBufferSize,
		Logger:               logger,
	}, s)
	if err != nil {
		return nil, err
	}
	s.server = server
	return s, nil
}

// Name identifies the component to the orchestrator.
func (s *Server) Name() string { return "display" }

// SocketPath returns the display socket path.
func (s *Server) SocketPath() string { return s.server.SocketPath() }

// Registry exposes the resource arena, primarily for tests and
// diagnostics.
func (s *Server) Registry() *Registry { return s.registry }

// SetSharedMemory wires the shared-memory bridge. Must be called
// before Start; segment requests fail cleanly when no emulator is
// wired.
func (s *Server) SetSharedMemory(emulator *shm.Emulator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emulator = emulator
}

func (s *Server) sharedMemory() *shm.Emulator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emulator
}

// Start binds the display socket.
func (s *Server) Start() error { return s.server.Start() }

// Stop closes the socket and all client connections; session teardown
// runs through the per-connection close callbacks.
func (s *Server) Stop() error { return s.server.Stop() }

// HandleOpen implements connector.Handler: allocates the client's id
// subrange and session state.
func (s *Server) HandleOpen(c *connector.Conn) {
	s.mu.Lock()
	s.nextClient++
	index := s.nextClient
	sess := newSession(s, c, index)
	s.sessions[c] = sess
	s.mu.Unlock()
	s.logger.Debug("display client connected", "client", index)
}

// HandleData implements connector.Handler.
func (s *Server) HandleData(c *connector.Conn, data []byte) (int, error) {
	s.mu.Lock()
	sess := s.sessions[c]
	s.mu.Unlock()
	if sess == nil {
		return 0, nil
	}
	return sess.process(data)
}

// HandleClose implements connector.Handler: releases everything the
// connection owned. Ids referenced (not owned) by other connections
// stay valid.
func (s *Server) HandleClose(c *connector.Conn) {
	s.mu.Lock()
	sess := s.sessions[c]
	delete(s.sessions, c)
	s.mu.Unlock()
	if sess != nil {
		sess.teardown()
		s.logger.Debug("display client closed", "registry", s.registry.String())
	}
}
