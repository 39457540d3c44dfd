// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Server states. Transitions are one-way: idle, starting, running,
// stopped. A stopped server is never restarted; callers create a new
// one. The starting state covers the bind window; lifecycleMu keeps a
// concurrent Stop from observing it.
const (
	stateIdle int32 = iota
	stateStarting
	stateRunning
	stateStopped
)

// DefaultInputBufferSize is the initial per-connection input buffer
// capacity when Config.InitialBufferSize is zero. The display server
// overrides this upward because its requests commonly arrive
// concatenated.
const DefaultInputBufferSize = 4096

// defaultMaxBuffered bounds how much unconsumed input a single
// connection may accumulate before it is treated as misbehaving.
const defaultMaxBuffered = 16*1024*1024 + 4096

// Handler receives connection lifecycle and data callbacks from a
// Server. Implementations own all protocol state, typically keyed by
// *Conn.
type Handler interface {
	// HandleOpen is called once per accepted connection, before any
	// data is dispatched.
	HandleOpen(c *Conn)

	// HandleData is called with the connection's buffered, unconsumed
	// input. It returns how many bytes it consumed; zero means a
	// complete request is not yet available and the server should
	// read more. A non-nil error closes the connection.
	HandleData(c *Conn, data []byte) (consumed int, err error)

	// HandleClose is called exactly once when the connection is torn
	// down, whether by the client, by a handler error, or by Stop.
	HandleClose(c *Conn)
}

// Config holds configuration for creating a Server.
type Config struct {
	// SocketPath is the Unix-domain socket path to bind.
	SocketPath string

	// MultithreadedClients dispatches each connection's requests on
	// its own goroutine so a slow client cannot stall others. When
	// false, dispatch across all connections is serialized.
	MultithreadedClients bool

	// AncillaryMessages enables receipt of passed file descriptors
	// alongside ordinary data.
	AncillaryMessages bool

	// InitialBufferSize is the starting capacity of each connection's
	// input buffer. Zero means DefaultInputBufferSize.
	InitialBufferSize int

	// MaxBuffered caps unconsumed input per connection. Zero means a
	// default slightly above the largest legal request.
	MaxBuffered int

	// Logger for connection lifecycle events. Nil means slog.Default.
	Logger *slog.Logger
}

// Server accepts connections on a Unix-domain socket and dispatches
// their traffic to a protocol Handler.
type Server struct {
	config  Config
	handler Handler
	logger  *slog.Logger

	// lifecycleMu serializes Start and Stop. A Stop that lands while
	// Start is still binding waits for the bind to settle rather than
	// racing it and leaking the listener.
	lifecycleMu sync.Mutex

	state    atomic.Int32
	listener *net.UnixListener

	mu    sync.Mutex
	conns map[*Conn]struct{}

	// dispatchMu serializes HandleData across connections when
	// MultithreadedClients is disabled.
	dispatchMu sync.Mutex

	wg sync.WaitGroup
}

// NewServer creates a Server for the given handler. The socket is not
// bound until Start.
func NewServer(config Config, handler Handler) (*Server, error) {
	if config.SocketPath == "" {
		return nil, fmt.Errorf("connector: socket path is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("connector: handler is required")
	}
	if config.InitialBufferSize <= 0 {
		config.InitialBufferSize = DefaultInputBufferSize
	}
	if config.MaxBuffered <= 0 {
		config.MaxBuffered = defaultMaxBuffered
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:  config,
		handler: handler,
		logger:  logger.With("socket", config.SocketPath),
		conns:   make(map[*Conn]struct{}),
	}, nil
}

// SocketPath returns the path the server binds.
func (s *Server) SocketPath() string { return s.config.SocketPath }

// Start binds the socket and begins accepting connections. It returns
// a BindError when the socket's parent directory is missing or the
// path is held by a live listener, and ErrAlreadyRunning when the
// server was already started (or stopped). The accept loop runs on its
// own goroutine; Start does not block.
func (s *Server) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.state.CompareAndSwap(stateIdle, stateStarting) {
		return ErrAlreadyRunning
	}

	path := s.config.SocketPath
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		s.state.Store(stateStopped)
		return &BindError{Path: path, Reason: "parent directory missing", Err: err}
	}

	// A leftover socket file from a crashed previous run is removed;
	// a socket with a live listener behind it is a hard error.
	if _, err := os.Stat(path); err == nil {
		if probe, err := net.DialTimeout("unix", path, 250*time.Millisecond); err == nil {
			probe.Close()
			s.state.Store(stateStopped)
			return &BindError{Path: path, Reason: "path already bound by a live listener"}
		}
		if err := os.Remove(path); err != nil {
			s.state.Store(stateStopped)
			return &BindError{Path: path, Reason: "cannot remove stale socket", Err: err}
		}
		s.logger.Debug("removed stale socket file")
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		s.state.Store(stateStopped)
		return &BindError{Path: path, Reason: "listen failed", Err: err}
	}
	if err := os.Chmod(path, 0o660); err != nil {
		listener.Close()
		s.state.Store(stateStopped)
		return &BindError{Path: path, Reason: "chmod failed", Err: err}
	}
	s.listener = listener
	s.state.Store(stateRunning)

	s.logger.Info("connector started",
		"multithreaded", s.config.MultithreadedClients,
		"ancillary", s.config.AncillaryMessages,
	)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// acceptLoop accepts connections until the listener is closed. It only
// accepts and hands off; protocol logic runs on connection goroutines.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		uc, err := s.listener.AcceptUnix()
		if err != nil {
			if isExpectedCloseError(err) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		c := newConn(s, uc)
		s.mu.Lock()
		if s.state.Load() != stateRunning {
			s.mu.Unlock()
			uc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.handler.HandleOpen(c)
		s.wg.Add(1)
		go c.readLoop()
	}
}

// dispatch runs the handler over a connection's buffered input,
// honoring the configured threading mode.
func (s *Server) dispatch(c *Conn, data []byte) (int, error) {
	if !s.config.MultithreadedClients {
		s.dispatchMu.Lock()
		defer s.dispatchMu.Unlock()
	}
	return s.handler.HandleData(c, data)
}

// dropConn removes a connection from the live set. Returns true if the
// connection was still registered (first close wins).
func (s *Server) dropConn(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; !ok {
		return false
	}
	delete(s.conns, c)
	return true
}

// Stop closes the listener and all connections, then joins every
// server goroutine. It is idempotent and safe to call on a server
// that never started.
func (s *Server) Stop() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	prev := s.state.Swap(stateStopped)
	if prev != stateRunning {
		return nil
	}

	if err := s.listener.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("listener close failed", "error", err)
	}

	s.mu.Lock()
	open := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.Close()
	}

	s.wg.Wait()
	s.logger.Info("connector stopped")
	return nil
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
