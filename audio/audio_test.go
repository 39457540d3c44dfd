// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package audio

import (
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/guestbox-project/guestbox/wire"
)

// recordingSink captures everything written, for protocol tests.
type recordingSink struct {
	mu     sync.Mutex
	format Format
	data   []byte
	closed bool
}

func (s *recordingSink) Open(format Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = format
	return nil
}

func (s *recordingSink) Write(frames []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.data = append(s.data, frames...)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func startServer(t *testing.T, newSink func() Sink) *Server {
	t.Helper()
	server, err := NewServer(filepath.Join(t.TempDir(), "audio.sock"), newSink, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dialServer(t *testing.T, server *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", server.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, opcode uint8, payload []byte) {
	t.Helper()
	w := wire.NewWriter(headerLen + len(payload))
	w.PutU8(opcode)
	w.PadTo(4)
	w.PutU32(uint32(len(payload)))
	w.PutBytes(payload)
	if _, err := conn.Write(w.Bytes()); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func sendOpen(t *testing.T, conn net.Conn, rate uint32, channels, bits uint8) {
	t.Helper()
	w := wire.NewWriter(8)
	w.PutU32(rate)
	w.PutU8(channels)
	w.PutU8(bits)
	w.PadTo(8)
	sendRequest(t, conn, OpOpen, w.Bytes())
}

func readAck(t *testing.T, conn net.Conn) (status uint8, value uint32) {
	t.Helper()
	buf := make([]byte, headerLen)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	r := wire.NewReader(buf)
	status = r.U8()
	r.Skip(3)
	value = r.U32()
	return status, value
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Error("connection survived protocol violation")
	}
}

func TestStreamLifecycle(t *testing.T) {
	sink := &recordingSink{}
	server := startServer(t, func() Sink { return sink })
	conn := dialServer(t, server)

	sendOpen(t, conn, 44100, 2, 16)
	if status, _ := readAck(t, conn); status != StatusOK {
		t.Fatalf("open status = %d", status)
	}

	frames := make([]byte, 64) // 16 stereo 16-bit frames
	for i := range frames {
		frames[i] = byte(i)
	}
	sendRequest(t, conn, OpWriteFrames, frames)
	status, written := readAck(t, conn)
	if status != StatusOK || written != 64 {
		t.Fatalf("write ack: status=%d written=%d", status, written)
	}

	sendRequest(t, conn, OpClose, nil)
	if status, _ := readAck(t, conn); status != StatusOK {
		t.Fatalf("close status = %d", status)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.format.Rate != 44100 || sink.format.Channels != 2 || sink.format.Bits != 16 {
		t.Errorf("sink format = %+v", sink.format)
	}
	if len(sink.data) != 64 || sink.data[63] != 63 {
		t.Errorf("sink captured %d bytes", len(sink.data))
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
}

func TestWriteBeforeOpenClosesConnection(t *testing.T) {
	server := startServer(t, nil)
	conn := dialServer(t, server)

	sendRequest(t, conn, OpWriteFrames, make([]byte, 16))
	expectClosed(t, conn)
}

func TestDoubleOpenClosesConnection(t *testing.T) {
	server := startServer(t, nil)
	conn := dialServer(t, server)

	sendOpen(t, conn, 48000, 2, 16)
	readAck(t, conn)
	sendOpen(t, conn, 48000, 2, 16)
	expectClosed(t, conn)
}

func TestBadFormatClosesConnection(t *testing.T) {
	cases := []struct {
		name     string
		rate     uint32
		channels uint8
		bits     uint8
	}{
		{"zero rate", 0, 2, 16},
		{"absurd rate", 1 << 20, 2, 16},
		{"zero channels", 44100, 0, 16},
		{"odd sample width", 44100, 2, 24},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := startServer(t, nil)
			conn := dialServer(t, server)
			sendOpen(t, conn, tc.rate, tc.channels, tc.bits)
			expectClosed(t, conn)
		})
	}
}

func TestMisalignedPayloadClosesConnection(t *testing.T) {
	server := startServer(t, nil)
	conn := dialServer(t, server)

	sendOpen(t, conn, 44100, 2, 16)
	readAck(t, conn)
	sendRequest(t, conn, OpWriteFrames, make([]byte, 5)) // not a whole frame
	expectClosed(t, conn)
}

func TestWriteBlocksUntilDrained(t *testing.T) {
	sink := NewBoundedSink(32)
	server := startServer(t, func() Sink { return sink })
	conn := dialServer(t, server)

	sendOpen(t, conn, 44100, 1, 8)
	readAck(t, conn)

	// First write fills the buffer and is acked immediately.
	sendRequest(t, conn, OpWriteFrames, make([]byte, 32))
	if status, _ := readAck(t, conn); status != StatusOK {
		t.Fatal("first write not acked")
	}

	// Second write must not be acked until the sink drains.
	sendRequest(t, conn, OpWriteFrames, make([]byte, 32))
	buf := make([]byte, headerLen)
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, err := io.ReadFull(conn, buf); err == nil {
		t.Fatal("write acked while sink was full")
	}

	sink.Drain()
	if status, written := readAck(t, conn); status != StatusOK || written != 32 {
		t.Fatalf("post-drain ack: status=%d written=%d", status, written)
	}
}

func TestStopUnblocksBlockedWriter(t *testing.T) {
	sink := NewBoundedSink(16)
	server := startServer(t, func() Sink { return sink })
	conn := dialServer(t, server)

	sendOpen(t, conn, 44100, 1, 8)
	readAck(t, conn)
	sendRequest(t, conn, OpWriteFrames, make([]byte, 16))
	readAck(t, conn)
	sendRequest(t, conn, OpWriteFrames, make([]byte, 16)) // blocks in the sink

	done := make(chan error, 1)
	go func() { done <- server.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock the writer")
	}
}

func TestBoundedSinkWriteAfterClose(t *testing.T) {
	sink := NewBoundedSink(0)
	sink.Close()
	if err := sink.Write([]byte{1}); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Write after Close = %v, want ErrSinkClosed", err)
	}
	sink.Close() // idempotent
}

func TestBoundedSinkOversizedWrite(t *testing.T) {
	sink := NewBoundedSink(8)
	// A payload larger than the whole buffer is accepted once the
	// buffer is empty instead of deadlocking.
	if err := sink.Write(make([]byte, 64)); err != nil {
		t.Fatalf("oversized write: %v", err)
	}
	if got := len(sink.Drain()); got != 64 {
		t.Errorf("drained %d bytes, want 64", got)
	}
}
