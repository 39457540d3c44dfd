// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package shm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/guestbox-project/guestbox/connector"
	"github.com/guestbox-project/guestbox/wire"
)

// Wire protocol opcodes. Requests are an 8-byte little-endian header
// (opcode u8, 3 pad bytes, payload length u32) followed by the
// payload. These values are protocol constants shared with the
// guest's shm shim.
const (
	OpCreate uint8 = 1 // payload: key u32, size u32 → reply value = id
	OpAttach uint8 = 2 // payload: id u32 → reply value = size, fd attached
	OpDetach uint8 = 3 // payload: id u32
	OpDelete uint8 = 4 // payload: id u32
)

// headerLen is the fixed request/reply header size.
const headerLen = 8

// Reply status codes.
const (
	StatusOK    uint8 = 0
	StatusError uint8 = 1
)

// Service exposes an Emulator over its coordination socket. It
// implements both connector.Handler and environment.Component.
type Service struct {
	emulator *Emulator
	server   *connector.Server
	logger   *slog.Logger
}

// NewService creates the shared-memory service bound to socketPath.
func NewService(socketPath string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	service := &Service{
		emulator: NewEmulator(logger),
		logger:   logger,
	}
	server, err := connector.NewServer(connector.Config{
		SocketPath: socketPath,
		// Per-connection dispatch: an attach reply blocked on one
		// client's full socket must not stall the other clients.
		MultithreadedClients: true,
		AncillaryMessages:    true,
		Logger:               logger,
	}, service)
	if err != nil {
		return nil, err
	}
	service.server = server
	return service, nil
}

// Name identifies the component to the orchestrator.
func (s *Service) Name() string { return "shm" }

// Emulator returns the segment table, for the display server's
// shared-memory bridge.
func (s *Service) Emulator() *Emulator { return s.emulator }

// SocketPath returns the coordination socket path.
func (s *Service) SocketPath() string { return s.server.SocketPath() }

// Start binds the coordination socket.
func (s *Service) Start() error { return s.server.Start() }

// Stop sweeps the segment table, then closes the socket. The sweep
// completes under the emulator lock before the listener goes away, so
// an in-flight attach either lands before the sweep or fails with a
// resource error — it never races freed memory.
func (s *Service) Stop() error {
	s.emulator.DeleteAll()
	return s.server.Stop()
}

// HandleOpen implements connector.Handler.
func (s *Service) HandleOpen(c *connector.Conn) {}

// HandleClose implements connector.Handler.
func (s *Service) HandleClose(c *connector.Conn) {}

// HandleData implements connector.Handler: parses complete requests
// from the buffered input and replies per request.
func (s *Service) HandleData(c *connector.Conn, data []byte) (int, error) {
	consumed := 0
	for {
		rest := data[consumed:]
		if len(rest) < headerLen {
			return consumed, nil
		}
		header := wire.NewReader(rest[:headerLen])
		opcode := header.U8()
		header.Skip(3)
		payloadLen := header.U32()
		if payloadLen > wire.MaxPayload {
			return 0, wire.Protocolf("shm", opName(opcode), "payload length %d exceeds maximum", payloadLen)
		}
		if len(rest) < headerLen+int(payloadLen) {
			return consumed, nil
		}
		payload := rest[headerLen : headerLen+int(payloadLen)]
		if err := s.handleRequest(c, opcode, payload); err != nil {
			return 0, err
		}
		consumed += headerLen + int(payloadLen)
	}
}

// handleRequest dispatches one request. Resource errors become error
// replies; protocol errors propagate and close the connection.
func (s *Service) handleRequest(c *connector.Conn, opcode uint8, payload []byte) error {
	switch opcode {
	case OpCreate:
		r := wire.NewReader(payload)
		key := r.U32()
		size := r.U32()
		if !r.Ok() {
			return wire.Protocolf("shm", "Create", "truncated payload (%d bytes)", len(payload))
		}
		id, err := s.emulator.Create(key, size)
		if err != nil {
			return s.replyError(c, err)
		}
		return s.replyOK(c, id)

	case OpAttach:
		id, err := s.segmentID(payload, "Attach")
		if err != nil {
			return err
		}
		segment, err := s.emulator.Attach(id)
		if err != nil {
			return s.replyError(c, err)
		}
		reply := buildReply(StatusOK, segment.Size())
		if err := c.WriteWithFile(reply, segment.File()); err != nil {
			// The descriptor never reached the client; undo the attach.
			s.emulator.Detach(id)
			return fmt.Errorf("send attach reply: %w", err)
		}
		return nil

	case OpDetach:
		id, err := s.segmentID(payload, "Detach")
		if err != nil {
			return err
		}
		if err := s.emulator.Detach(id); err != nil {
			return s.replyError(c, err)
		}
		return s.replyOK(c, 0)

	case OpDelete:
		id, err := s.segmentID(payload, "Delete")
		if err != nil {
			return err
		}
		if err := s.emulator.Delete(id); err != nil {
			return s.replyError(c, err)
		}
		return s.replyOK(c, 0)

	default:
		return wire.Protocolf("shm", "", "unknown opcode %d", opcode)
	}
}

// segmentID parses the single-u32 payload shared by attach, detach,
// and delete.
func (s *Service) segmentID(payload []byte, op string) (uint32, error) {
	r := wire.NewReader(payload)
	id := r.U32()
	if !r.Ok() {
		return 0, wire.Protocolf("shm", op, "truncated payload (%d bytes)", len(payload))
	}
	return id, nil
}

func (s *Service) replyOK(c *connector.Conn, value uint32) error {
	return c.Write(buildReply(StatusOK, value))
}

// replyError reports a resource error to the client and keeps the
// connection open. Anything else is a server-side failure and closes
// the connection.
func (s *Service) replyError(c *connector.Conn, err error) error {
	var re *wire.ResourceError
	if !errors.As(err, &re) {
		return err
	}
	s.logger.Debug("shm request failed", "error", re)
	return c.Write(buildReply(StatusError, 0))
}

// buildReply assembles the fixed 8-byte reply: status u8, 3 pad
// bytes, value u32.
func buildReply(status uint8, value uint32) []byte {
	w := wire.NewWriter(headerLen)
	w.PutU8(status)
	w.PadTo(4)
	w.PutU32(value)
	return w.Bytes()
}

func opName(opcode uint8) string {
	switch opcode {
	case OpCreate:
		return "Create"
	case OpAttach:
		return "Attach"
	case OpDetach:
		return "Detach"
	case OpDelete:
		return "Delete"
	default:
		return ""
	}
}
