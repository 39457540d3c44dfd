// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/guestbox-project/guestbox/connector"
	"github.com/guestbox-project/guestbox/wire"
)

// Wire protocol opcodes. Requests are an 8-byte little-endian header
// (opcode u8, 3 pad bytes, payload length u32) followed by the
// payload. These values are protocol constants shared with the
// guest's audio shim.
const (
	OpOpen        uint8 = 1 // payload: rate u32, channels u8, bits u8, 2 pad
	OpWriteFrames uint8 = 2 // payload: PCM frames → reply value = bytes written
	OpClose       uint8 = 3 // payload: empty
)

// headerLen is the fixed request/reply header size.
const headerLen = 8

// Reply status codes.
const (
	StatusOK    uint8 = 0
	StatusError uint8 = 1
)

// stream is the per-connection playback state.
type stream struct {
	sink   Sink
	format Format
	opened bool
}

// Server exposes one playback stream per connection. It implements
// connector.Handler and environment.Component.
type Server struct {
	server  *connector.Server
	logger  *slog.Logger
	newSink func() Sink

	mu      sync.Mutex
	streams map[*connector.Conn]*stream
}

// NewServer creates the audio server bound to socketPath. newSink
// builds the sink for each connection; nil uses a BoundedSink with the
// default limit. Connections dispatch on their own goroutines so one
// stream blocked on a full sink cannot stall another.
func NewServer(socketPath string, newSink func() Sink, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if newSink == nil {
		newSink = func() Sink { return NewBoundedSink(0) }
	}
	s := &Server{
		logger:  logger,
		newSink: newSink,
		streams: make(map[*connector.Conn]*stream),
	}
	server, err := connector.NewServer(connector.Config{
		SocketPath:           socketPath,
		MultithreadedClients: true,
		Logger:               logger,
	}, s)
	if err != nil {
		return nil, err
	}
	s.server = server
	return s, nil
}

// Name identifies the component to the orchestrator.
func (s *Server) Name() string { return "audio" }

// SocketPath returns the playback socket path.
func (s *Server) SocketPath() string { return s.server.SocketPath() }

// Start binds the playback socket.
func (s *Server) Start() error { return s.server.Start() }

// Stop closes every stream's sink, unblocking writers, then closes the
// socket.
func (s *Server) Stop() error {
	s.mu.Lock()
	for _, stream := range s.streams {
		stream.sink.Close()
	}
	s.mu.Unlock()
	return s.server.Stop()
}

// HandleOpen implements connector.Handler: each connection gets a
// fresh sink.
func (s *Server) HandleOpen(c *connector.Conn) {
	s.mu.Lock()
	s.streams[c] = &stream{sink: s.newSink()}
	s.mu.Unlock()
}

// HandleClose implements connector.Handler: a dropped connection drains
// into a closed sink.
func (s *Server) HandleClose(c *connector.Conn) {
	s.mu.Lock()
	stream := s.streams[c]
	delete(s.streams, c)
	s.mu.Unlock()
	if stream != nil {
		stream.sink.Close()
	}
}

// HandleData implements connector.Handler.
func (s *Server) HandleData(c *connector.Conn, data []byte) (int, error) {
	s.mu.Lock()
	stream := s.streams[c]
	s.mu.Unlock()
	if stream == nil {
		return 0, nil
	}

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
			return 0, wire.Protocolf("audio", opName(opcode), "payload length %d exceeds maximum", payloadLen)
		}
		if len(rest) < headerLen+int(payloadLen) {
			return consumed, nil
		}
		payload := rest[headerLen : headerLen+int(payloadLen)]
		if err := s.handleRequest(c, stream, opcode, payload); err != nil {
			return 0, err
		}
		consumed += headerLen + int(payloadLen)
	}
}

// handleRequest dispatches one request. Stream misuse is a protocol
// error and closes the connection; the sink closing mid-write means
// the server is stopping and closes the connection too.
func (s *Server) handleRequest(c *connector.Conn, stream *stream, opcode uint8, payload []byte) error {
	switch opcode {
	case OpOpen:
		if stream.opened {
			return wire.Protocolf("audio", "Open", "stream already open")
		}
		r := wire.NewReader(payload)
		format := Format{Rate: r.U32(), Channels: r.U8(), Bits: r.U8()}
		if !r.Ok() {
			return wire.Protocolf("audio", "Open", "truncated payload (%d bytes)", len(payload))
		}
		if err := format.validate(); err != nil {
			return err
		}
		if err := stream.sink.Open(format); err != nil {
			return fmt.Errorf("open sink: %w", err)
		}
		stream.format = format
		stream.opened = true
		s.logger.Debug("audio stream opened",
			"rate", format.Rate, "channels", format.Channels, "bits", format.Bits)
		return s.reply(c, 0)

	case OpWriteFrames:
		if !stream.opened {
			return wire.Protocolf("audio", "WriteFrames", "stream not open")
		}
		if len(payload) == 0 || len(payload)%stream.format.frameBytes() != 0 {
			return wire.Protocolf("audio", "WriteFrames",
				"payload %d bytes is not a whole number of %d-byte frames",
				len(payload), stream.format.frameBytes())
		}
		// Blocks until the sink accepts; the ack is the client's
		// backpressure signal.
		if err := stream.sink.Write(payload); err != nil {
			return fmt.Errorf("write %d frame bytes: %w", len(payload), err)
		}
		return s.reply(c, uint32(len(payload)))

	case OpClose:
		if !stream.opened {
			return wire.Protocolf("audio", "Close", "stream not open")
		}
		if err := stream.sink.Close(); err != nil {
			return fmt.Errorf("close sink: %w", err)
		}
		stream.opened = false
		return s.reply(c, 0)

	default:
		return wire.Protocolf("audio", "", "unknown opcode %d", opcode)
	}
}

// reply sends the fixed 8-byte ack: status u8, 3 pad bytes, value u32.
func (s *Server) reply(c *connector.Conn, value uint32) error {
	w := wire.NewWriter(headerLen)
	w.PutU8(StatusOK)
	w.PadTo(4)
	w.PutU32(value)
	return c.Write(w.Bytes())
}

func opName(opcode uint8) string {
	switch opcode {
	case OpOpen:
		return "Open"
	case OpWriteFrames:
		return "WriteFrames"
	case OpClose:
		return "Close"
	default:
		return ""
	}
}
