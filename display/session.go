// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package display

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/guestbox-project/guestbox/wire"
)

// replyWriter is the session's output: a connector.Conn in
// production, a capture buffer in tests. Writes block until the
// client drains; they never drop.
type replyWriter interface {
	Write(p []byte) error
}

// session is the per-connection protocol state: handshake status, the
// client's id subrange, the request sequence counter, and attached
// shared-memory segment handles.
type session struct {
	server *Server
	out    replyWriter

	handshaken bool

	// base and next implement id allocation from the client's
	// disjoint subrange. Only mutated under the registry lock (all
	// allocation happens inside registry create operations).
	base uint32
	next uint32

	// seq is the low 16 bits of the processed-request count, echoed
	// in replies, errors, and events. Atomic because event synthesis
	// reads it from outside the dispatch goroutine.
	seq atomic.Uint32

	// segmentsMu guards segments. The dispatch goroutine attaches and
	// detaches handles while teardown drains the map from the close
	// callback, which can run on a different goroutine during Stop.
	segmentsMu sync.Mutex

	// segments maps protocol segment handles to emulator segment
	// ids. Nil once teardown has drained it.
	segments map[uint32]uint32
}

func newSession(server *Server, out replyWriter, clientIndex uint32) *session {
	return &session{
		server:   server,
		out:      out,
		base:     clientIndex << clientIDShift,
		segments: make(map[uint32]uint32),
	}
}

// allocID hands out the next id in the session's subrange. Called
// only under the registry lock. Fails closed at subrange exhaustion;
// ids are never reused while the connection lives.
func (s *session) allocID() (uint32, error) {
	if s.next > clientIDMask {
		return 0, reqErr(ErrCodeIDSpace, 0, "id allocation", "client id subrange exhausted")
	}
	id := s.base | s.next
	s.next++
	return id, nil
}

// idRange returns the session's id base and mask for the setup reply.
func (s *session) idRange() (base, mask uint32) {
	return s.base, clientIDMask
}

// process consumes as many complete messages as the buffer holds.
// requestError values become error replies; anything else closes the
// connection.
func (s *session) process(data []byte) (int, error) {
	consumed := 0
	for {
		rest := data[consumed:]
		if !s.handshaken {
			n, err := s.processSetup(rest)
			if err != nil {
				return 0, err
			}
			if n == 0 {
				return consumed, nil
			}
			consumed += n
			continue
		}

		if len(rest) < requestHeaderLen {
			return consumed, nil
		}
		opcode := rest[0]
		detail := rest[1]
		totalLen := int(uint16(rest[2]) | uint16(rest[3])<<8)
		totalBytes := totalLen * 4
		if totalBytes < requestHeaderLen {
			return 0, wire.Protocolf("display", opcodeName(opcode),
				"declared length %d units is shorter than the header", totalLen)
		}
		if totalBytes > wire.MaxPayload {
			return 0, wire.Protocolf("display", opcodeName(opcode),
				"declared length %d bytes exceeds maximum", totalBytes)
		}
		if len(rest) < totalBytes {
			return consumed, nil
		}

		s.seq.Add(1)
		if err := s.dispatch(opcode, detail, rest[requestHeaderLen:totalBytes]); err != nil {
			var re *requestError
			if errors.As(err, &re) {
				if writeErr := s.writeError(re); writeErr != nil {
					return 0, writeErr
				}
			} else {
				return 0, err
			}
		}
		consumed += totalBytes
	}
}

// processSetup validates the fixed-size setup request. An unsupported
// byte order or protocol version gets a failure reply before the
// connection closes; that is a client defect, not a server fault.
func (s *session) processSetup(data []byte) (int, error) {
	if len(data) < setupRequestLen {
		return 0, nil
	}
	r := wire.NewReader(data[:setupRequestLen])
	order := r.U8()
	r.Skip(1)
	major := r.U16()
	minor := r.U16()

	if order != ByteOrderLittle {
		reason := "unsupported byte order"
		if order != ByteOrderBig {
			reason = "invalid byte-order marker"
		}
		s.writeSetupFailure(reason)
		return 0, wire.Protocolf("display", "Setup", "%s %#x", reason, order)
	}
	if major != ProtocolMajor {
		s.writeSetupFailure(fmt.Sprintf("unsupported protocol version %d.%d", major, minor))
		return 0, wire.Protocolf("display", "Setup", "unsupported protocol version %d.%d", major, minor)
	}

	s.handshaken = true
	return setupRequestLen, s.writeSetupSuccess()
}

func (s *session) writeSetupSuccess() error {
	base, mask := s.idRange()
	w := wire.NewWriter(setupReplyLen)
	w.PutU8(1) // success
	w.PutU8(0)
	w.PutU16(ProtocolMajor)
	w.PutU16(ProtocolMinor)
	w.PutU16(0)
	w.PutU32(base)
	w.PutU32(mask)
	w.PutU32(RootWindowID)
	w.PutU16(ScreenWidth)
	w.PutU16(ScreenHeight)
	w.PutU8(ScreenDepth)
	w.PutU8(VisualTrueColor)
	w.PadTo(setupReplyLen)
	return s.out.Write(w.Bytes())
}

func (s *session) writeSetupFailure(reason string) {
	w := wire.NewWriter(8 + len(reason) + 4)
	w.PutU8(0) // failure
	w.PutU8(uint8(len(reason)))
	w.PutU16(ProtocolMajor)
	w.PutU16(ProtocolMinor)
	w.PutU16(0)
	w.PutBytes([]byte(reason))
	w.Pad4()
	// Best effort: the connection is about to close either way.
	s.out.Write(w.Bytes())
}

// writeReply sends a reply correlated to the current request.
func (s *session) writeReply(opcode uint8, payload []byte) error {
	w := wire.NewWriter(replyHeaderLen + len(payload))
	w.PutU8(MessageReply)
	w.PutU8(opcode)
	w.PutU16(uint16(s.seq.Load()))
	w.PutU32(uint32(len(payload)))
	w.PutBytes(payload)
	return s.out.Write(w.Bytes())
}

// writeError reports a request failure to the client. The connection
// stays open.
func (s *session) writeError(re *requestError) error {
	w := wire.NewWriter(errorReplyLen)
	w.PutU8(MessageError)
	w.PutU8(re.code)
	w.PutU16(uint16(s.seq.Load()))
	w.PutU32(re.id)
	w.PadTo(errorReplyLen)
	return s.out.Write(w.Bytes())
}

// dispatch handles one request body. Fixed-size bodies are length-
// checked exactly: a declared length that disagrees with the opcode's
// layout is a protocol error that closes the connection.
func (s *session) dispatch(opcode, detail uint8, body []byte) error {
	registry := s.server.registry
	switch opcode {
	case OpCreateWindow:
		r, err := s.fixedBody(opcode, body, 16)
		if err != nil {
			return err
		}
		parent := r.U32()
		x, y := r.I16(), r.I16()
		width, height := r.U16(), r.U16()
		eventMask := r.U32()
		id, err := registry.CreateWindow(s, parent, x, y, width, height, detailOrDefault(detail, ScreenDepth), eventMask)
		if err != nil {
			return err
		}
		return s.writeReply(opcode, u32Payload(id))

	case OpDestroyWindow:
		id, err := s.singleID(opcode, body)
		if err != nil {
			return err
		}
		return registry.DestroyWindow(id)

	case OpMapWindow, OpUnmapWindow:
		id, err := s.singleID(opcode, body)
		if err != nil {
			return err
		}
		return registry.SetMapped(id, opcode == OpMapWindow)

	case OpConfigureWindow:
		r, err := s.fixedBody(opcode, body, 12)
		if err != nil {
			return err
		}
		id := r.U32()
		x, y := r.I16(), r.I16()
		width, height := r.U16(), r.U16()
		return registry.Configure(id, x, y, width, height)

	case OpSelectInput:
		r, err := s.fixedBody(opcode, body, 8)
		if err != nil {
			return err
		}
		id := r.U32()
		mask := r.U32()
		return registry.SelectInput(s, id, mask)

	case OpCreatePixmap:
		r, err := s.fixedBody(opcode, body, 4)
		if err != nil {
			return err
		}
		width, height := r.U16(), r.U16()
		id, err := registry.CreatePixmap(s, width, height, detailOrDefault(detail, ScreenDepth))
		if err != nil {
			return err
		}
		return s.writeReply(opcode, u32Payload(id))

	case OpFreePixmap:
		id, err := s.singleID(opcode, body)
		if err != nil {
			return err
		}
		return registry.FreePixmap(id)

	case OpCreateGC:
		if _, err := s.fixedBody(opcode, body, 0); err != nil {
			return err
		}
		id, err := registry.CreateGC(s)
		if err != nil {
			return err
		}
		return s.writeReply(opcode, u32Payload(id))

	case OpFreeGC:
		id, err := s.singleID(opcode, body)
		if err != nil {
			return err
		}
		return registry.FreeGC(id)

	case OpPutImage:
		return s.putImage(opcode, body)

	case OpGetImage:
		r, err := s.fixedBody(opcode, body, 12)
		if err != nil {
			return err
		}
		drawable := r.U32()
		x, y := r.I16(), r.I16()
		width, height := r.U16(), r.U16()
		pixels, err := registry.GetImage(drawable, x, y, width, height)
		if err != nil {
			return err
		}
		return s.writeReply(opcode, pixels)

	case OpQueryWindow:
		id, err := s.singleID(opcode, body)
		if err != nil {
			return err
		}
		x, y, width, height, parent, err := registry.QueryWindow(id)
		if err != nil {
			return err
		}
		w := wire.NewWriter(12)
		w.PutI16(x)
		w.PutI16(y)
		w.PutU16(width)
		w.PutU16(height)
		w.PutU32(parent)
		return s.writeReply(opcode, w.Bytes())

	case OpShmAttach:
		id, err := s.singleID(opcode, body)
		if err != nil {
			return err
		}
		return s.shmAttach(opcode, id)

	case OpShmDetach:
		handle, err := s.singleID(opcode, body)
		if err != nil {
			return err
		}
		return s.shmDetach(handle)

	case OpShmPutImage:
		return s.shmPutImage(opcode, body)

	default:
		return wire.Protocolf("display", "", "unknown opcode %d", opcode)
	}
}

// putImage parses the variable-length PutImage request. The pixel
// payload follows a 16-byte fixed part and must match the declared
// rectangle exactly, modulo 4-byte padding.
func (s *session) putImage(opcode uint8, body []byte) error {
	if len(body) < 16 {
		return wire.Protocolf("display", "PutImage", "truncated body (%d bytes)", len(body))
	}
	r := wire.NewReader(body[:16])
	drawable := r.U32()
	r.Skip(4) // graphics context: carried for protocol shape, uninterpreted
	width, height := r.U16(), r.U16()
	x, y := r.I16(), r.I16()

	pixelLen := int(width) * int(height) * bytesPerPixel
	got := len(body) - 16
	if got < pixelLen || got >= pixelLen+4 {
		return wire.Protocolf("display", "PutImage",
			"declared length holds %d payload bytes, rectangle needs %d", got, pixelLen)
	}
	return s.server.registry.PutImage(drawable, x, y, width, height, body[16:16+pixelLen])
}

// shmAttach binds an emulator segment to a new per-session handle.
func (s *session) shmAttach(opcode uint8, shmID uint32) error {
	emulator := s.server.sharedMemory()
	if emulator == nil {
		return reqErr(ErrCodeSegment, shmID, "ShmAttach", "shared memory bridge not available")
	}
	if _, err := emulator.Attach(shmID); err != nil {
		return reqErr(ErrCodeSegment, shmID, "ShmAttach", "no such segment")
	}

	handle, err := func() (uint32, error) {
		s.server.registry.mu.Lock()
		defer s.server.registry.mu.Unlock()
		return s.allocID()
	}()
	if err != nil {
		emulator.Detach(shmID)
		return err
	}

	s.segmentsMu.Lock()
	if s.segments == nil {
		// Teardown already drained the map; undo the attach so the
		// segment's refcount does not leak on a closing connection.
		s.segmentsMu.Unlock()
		emulator.Detach(shmID)
		return reqErr(ErrCodeSegment, shmID, "ShmAttach", "session closing")
	}
	s.segments[handle] = shmID
	s.segmentsMu.Unlock()
	return s.writeReply(opcode, u32Payload(handle))
}

func (s *session) shmDetach(handle uint32) error {
	s.segmentsMu.Lock()
	shmID, ok := s.segments[handle]
	if ok {
		delete(s.segments, handle)
	}
	s.segmentsMu.Unlock()
	if !ok {
		return reqErr(ErrCodeSegment, handle, "ShmDetach", "unknown segment handle")
	}
	if emulator := s.server.sharedMemory(); emulator != nil {
		emulator.Detach(shmID)
	}
	return nil
}

// shmPutImage copies pixels for a rectangle straight out of a shared
// segment, skipping the socket for bulk transfer.
func (s *session) shmPutImage(opcode uint8, body []byte) error {
	r, err := s.fixedBody(opcode, body, 24)
	if err != nil {
		return err
	}
	drawable := r.U32()
	r.Skip(4) // graphics context
	handle := r.U32()
	offset := r.U32()
	width, height := r.U16(), r.U16()
	x, y := r.I16(), r.I16()

	s.segmentsMu.Lock()
	shmID, ok := s.segments[handle]
	s.segmentsMu.Unlock()
	if !ok {
		return reqErr(ErrCodeSegment, handle, "ShmPutImage", "unknown segment handle")
	}
	emulator := s.server.sharedMemory()
	if emulator == nil {
		return reqErr(ErrCodeSegment, handle, "ShmPutImage", "shared memory bridge not available")
	}
	segment, lookupErr := emulator.Lookup(shmID)
	if lookupErr != nil {
		return reqErr(ErrCodeSegment, handle, "ShmPutImage", "segment vanished")
	}

	pixelLen := int(width) * int(height) * bytesPerPixel
	if int(offset)+pixelLen > len(segment.Bytes()) {
		return reqErr(ErrCodeSegment, handle, "ShmPutImage",
			"rectangle needs %d bytes at offset %d, segment holds %d", pixelLen, offset, len(segment.Bytes()))
	}
	pixels := segment.Bytes()[offset : int(offset)+pixelLen]

	s.server.registry.mu.Lock()
	defer s.server.registry.mu.Unlock()
	return s.server.registry.putImageLocked(drawable, x, y, width, height, pixels, "ShmPutImage")
}

// teardown releases everything the session owns. Called exactly once
// from the connection close callback.
func (s *session) teardown() {
	s.segmentsMu.Lock()
	drained := s.segments
	s.segments = nil
	s.segmentsMu.Unlock()
	if emulator := s.server.sharedMemory(); emulator != nil {
		for _, shmID := range drained {
			emulator.Detach(shmID)
		}
	}
	s.server.registry.ReleaseSession(s)
}

// fixedBody checks a fixed-size request body against the opcode's
// layout. The body may carry up to 3 padding bytes from the 4-byte
// length granularity.
func (s *session) fixedBody(opcode uint8, body []byte, want int) (*wire.Reader, error) {
	if len(body) < want || len(body) >= want+4 {
		return nil, wire.Protocolf("display", opcodeName(opcode),
			"declared length holds %d body bytes, layout needs %d", len(body), want)
	}
	return wire.NewReader(body[:want]), nil
}

func (s *session) singleID(opcode uint8, body []byte) (uint32, error) {
	r, err := s.fixedBody(opcode, body, 4)
	if err != nil {
		return 0, err
	}
	return r.U32(), nil
}

func u32Payload(v uint32) []byte {
	w := wire.NewWriter(4)
	w.PutU32(v)
	return w.Bytes()
}

func detailOrDefault(detail, fallback uint8) uint8 {
	if detail == 0 {
		return fallback
	}
	return detail
}

func opcodeName(opcode uint8) string {
	switch opcode {
	case OpCreateWindow:
		return "CreateWindow"
	case OpDestroyWindow:
		return "DestroyWindow"
	case OpMapWindow:
		return "MapWindow"
	case OpUnmapWindow:
		return "UnmapWindow"
	case OpConfigureWindow:
		return "ConfigureWindow"
	case OpSelectInput:
		return "SelectInput"
	case OpCreatePixmap:
		return "CreatePixmap"
	case OpFreePixmap:
		return "FreePixmap"
	case OpCreateGC:
		return "CreateGC"
	case OpFreeGC:
		return "FreeGC"
	case OpPutImage:
		return "PutImage"
	case OpGetImage:
		return "GetImage"
	case OpQueryWindow:
		return "QueryWindow"
	case OpShmAttach:
		return "ShmAttach"
	case OpShmDetach:
		return "ShmDetach"
	case OpShmPutImage:
		return "ShmPutImage"
	default:
		return ""
	}
}
