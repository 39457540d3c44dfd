// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package display

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"

	"github.com/guestbox-project/guestbox/shm"
	"github.com/guestbox-project/guestbox/wire"
)

// captureWriter records messages a session writes, in order.
type captureWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (w *captureWriter) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, append([]byte(nil), p...))
	return nil
}

func (w *captureWriter) take() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	messages := w.messages
	w.messages = nil
	return messages
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	server, err := NewServer(filepath.Join(t.TempDir(), "display.sock"), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return server
}

// handshakeSession returns a session that has already completed the
// setup handshake, with its capture buffer cleared.
func handshakeSession(t *testing.T, server *Server, clientIndex uint32) (*session, *captureWriter) {
	t.Helper()
	out := &captureWriter{}
	sess := newSession(server, out, clientIndex)
	consumed, err := sess.process(setupRequest(ByteOrderLittle, ProtocolMajor, ProtocolMinor))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if consumed != setupRequestLen {
		t.Fatalf("handshake consumed %d bytes, want %d", consumed, setupRequestLen)
	}
	out.take()
	return sess, out
}

func setupRequest(order uint8, major, minor uint16) []byte {
	w := wire.NewWriter(setupRequestLen)
	w.PutU8(order)
	w.PutU8(0)
	w.PutU16(major)
	w.PutU16(minor)
	w.PadTo(setupRequestLen)
	return w.Bytes()
}

// request frames a request body with the fixed header, applying the
// protocol's 4-byte length granularity.
func request(opcode, detail uint8, body []byte) []byte {
	padded := len(body)
	for padded%4 != 0 {
		padded++
	}
	w := wire.NewWriter(requestHeaderLen + padded)
	w.PutU8(opcode)
	w.PutU8(detail)
	w.PutU16(uint16((requestHeaderLen + padded) / 4))
	w.PutBytes(body)
	w.Pad4()
	return w.Bytes()
}

func u32Body(values ...uint32) []byte {
	w := wire.NewWriter(4 * len(values))
	for _, v := range values {
		w.PutU32(v)
	}
	return w.Bytes()
}

// replyID extracts the id payload from the single captured reply.
func replyID(t *testing.T, out *captureWriter) uint32 {
	t.Helper()
	messages := out.take()
	if len(messages) != 1 {
		t.Fatalf("captured %d messages, want 1 reply", len(messages))
	}
	message := messages[0]
	if message[0] != MessageReply {
		t.Fatalf("message type %d, want reply (raw: %x)", message[0], message)
	}
	return binary.LittleEndian.Uint32(message[replyHeaderLen:])
}

// expectError asserts the single captured message is an error reply
// with the given code.
func expectError(t *testing.T, out *captureWriter, code uint8) {
	t.Helper()
	messages := out.take()
	if len(messages) != 1 {
		t.Fatalf("captured %d messages, want 1 error", len(messages))
	}
	message := messages[0]
	if message[0] != MessageError {
		t.Fatalf("message type %d, want error", message[0])
	}
	if message[1] != code {
		t.Errorf("error code %d, want %d", message[1], code)
	}
}

func mustProcess(t *testing.T, sess *session, data []byte) {
	t.Helper()
	consumed, err := sess.process(data)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if consumed != len(data) {
		t.Fatalf("consumed %d of %d bytes", consumed, len(data))
	}
}

func createWindow(t *testing.T, sess *session, out *captureWriter, parent uint32, eventMask uint32) uint32 {
	t.Helper()
	w := wire.NewWriter(16)
	w.PutU32(parent)
	w.PutI16(10)
	w.PutI16(10)
	w.PutU16(320)
	w.PutU16(200)
	w.PutU32(eventMask)
	mustProcess(t, sess, request(OpCreateWindow, ScreenDepth, w.Bytes()))
	return replyID(t, out)
}

func TestSetupHandshakeSuccess(t *testing.T) {
	server := newTestServer(t)
	out := &captureWriter{}
	sess := newSession(server, out, 1)

	mustProcess(t, sess, setupRequest(ByteOrderLittle, ProtocolMajor, ProtocolMinor))

	messages := out.take()
	if len(messages) != 1 {
		t.Fatalf("captured %d messages", len(messages))
	}
	reply := messages[0]
	if len(reply) != setupReplyLen {
		t.Fatalf("setup reply %d bytes, want %d", len(reply), setupReplyLen)
	}
	if reply[0] != 1 {
		t.Fatal("setup reply is not success")
	}
	if base := binary.LittleEndian.Uint32(reply[8:12]); base != 1<<clientIDShift {
		t.Errorf("id base = %#x", base)
	}
	if mask := binary.LittleEndian.Uint32(reply[12:16]); mask != clientIDMask {
		t.Errorf("id mask = %#x", mask)
	}
	if root := binary.LittleEndian.Uint32(reply[16:20]); root != RootWindowID {
		t.Errorf("root window = %d", root)
	}
	if width := binary.LittleEndian.Uint16(reply[20:22]); width != ScreenWidth {
		t.Errorf("width = %d, want %d", width, ScreenWidth)
	}
	if height := binary.LittleEndian.Uint16(reply[22:24]); height != ScreenHeight {
		t.Errorf("height = %d, want %d", height, ScreenHeight)
	}
}

func TestSetupRejectsUnsupported(t *testing.T) {
	cases := []struct {
		name  string
		setup []byte
	}{
		{"big endian", setupRequest(ByteOrderBig, ProtocolMajor, ProtocolMinor)},
		{"invalid marker", setupRequest('x', ProtocolMajor, ProtocolMinor)},
		{"wrong version", setupRequest(ByteOrderLittle, 12, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(t)
			out := &captureWriter{}
			sess := newSession(server, out, 1)

			_, err := sess.process(tc.setup)
			if !wire.IsProtocolError(err) {
				t.Fatalf("process = %v, want ProtocolError", err)
			}
			messages := out.take()
			if len(messages) != 1 || messages[0][0] != 0 {
				t.Error("expected a failure reply before close")
			}
		})
	}
}

func TestCreateWindowIDsDisjointAcrossClients(t *testing.T) {
	server := newTestServer(t)
	first, firstOut := handshakeSession(t, server, 1)
	second, secondOut := handshakeSession(t, server, 2)

	seen := make(map[uint32]bool)
	for i := 0; i < 3; i++ {
		id := createWindow(t, first, firstOut, RootWindowID, 0)
		if seen[id] {
			t.Fatalf("id %#x reused", id)
		}
		seen[id] = true
		if id&^uint32(clientIDMask) != 1<<clientIDShift {
			t.Errorf("client 1 id %#x outside subrange", id)
		}
	}
	for i := 0; i < 3; i++ {
		id := createWindow(t, second, secondOut, RootWindowID, 0)
		if seen[id] {
			t.Fatalf("id %#x collides across clients", id)
		}
		seen[id] = true
		if id&^uint32(clientIDMask) != 2<<clientIDShift {
			t.Errorf("client 2 id %#x outside subrange", id)
		}
	}
}

func TestDestroyCascadesToDescendants(t *testing.T) {
	server := newTestServer(t)
	sess, out := handshakeSession(t, server, 1)

	w1 := createWindow(t, sess, out, RootWindowID, 0)
	w2 := createWindow(t, sess, out, w1, 0)

	mustProcess(t, sess, request(OpDestroyWindow, 0, u32Body(w1)))
	if messages := out.take(); len(messages) != 0 {
		t.Fatalf("destroy produced %d unexpected messages", len(messages))
	}

	// Any later request against W2's id is a resource error.
	mustProcess(t, sess, request(OpQueryWindow, 0, u32Body(w2)))
	expectError(t, out, ErrCodeResource)

	if server.registry.Live(w1) || server.registry.Live(w2) {
		t.Error("destroyed windows still live in registry")
	}
}

func TestDestroyDoesNotTouchSiblings(t *testing.T) {
	server := newTestServer(t)
	sess, out := handshakeSession(t, server, 1)

	w1 := createWindow(t, sess, out, RootWindowID, 0)
	sibling := createWindow(t, sess, out, RootWindowID, 0)

	mustProcess(t, sess, request(OpDestroyWindow, 0, u32Body(w1)))
	mustProcess(t, sess, request(OpQueryWindow, 0, u32Body(sibling)))
	messages := out.take()
	if len(messages) != 1 || messages[0][0] != MessageReply {
		t.Error("sibling window damaged by unrelated destroy")
	}
}

func TestEventDeliveryFIFOAndMasked(t *testing.T) {
	server := newTestServer(t)
	listener, listenerOut := handshakeSession(t, server, 1)
	bystander, bystanderOut := handshakeSession(t, server, 2)

	window := createWindow(t, listener, listenerOut, RootWindowID, MaskKeyPress|MaskButtonPress)

	// The bystander references the listener's window id but registers
	// no mask for key events.
	mustProcess(t, bystander, request(OpSelectInput, 0, u32Body(window, MaskExposure)))
	bystanderOut.take()

	if err := server.InjectKey(window, 30, true, 0); err != nil {
		t.Fatalf("InjectKey: %v", err)
	}
	if err := server.InjectButton(window, 1, true, 5, 6, 0); err != nil {
		t.Fatalf("InjectButton: %v", err)
	}
	// Motion is not in the listener's mask: delivered to nobody.
	if err := server.InjectMotion(window, 7, 8, 0); err != nil {
		t.Fatalf("InjectMotion: %v", err)
	}

	events := listenerOut.take()
	if len(events) != 2 {
		t.Fatalf("listener got %d events, want 2", len(events))
	}
	if events[0][0] != EventKeyPress || events[0][1] != 30 {
		t.Errorf("first event = type %d detail %d", events[0][0], events[0][1])
	}
	if events[1][0] != EventButtonPress {
		t.Errorf("second event type = %d, want button press", events[1][0])
	}
	if window := binary.LittleEndian.Uint32(events[1][4:8]); window == 0 {
		t.Error("event record missing window id")
	}
	if x := int16(binary.LittleEndian.Uint16(events[1][8:10])); x != 5 {
		t.Errorf("button event x = %d", x)
	}

	if got := bystanderOut.take(); len(got) != 0 {
		t.Errorf("bystander received %d events despite mask mismatch", len(got))
	}

	// Expose goes to the bystander, not the key listener.
	if err := server.InjectExpose(window); err != nil {
		t.Fatalf("InjectExpose: %v", err)
	}
	if got := bystanderOut.take(); len(got) != 1 || got[0][0] != EventExpose {
		t.Error("bystander missed expose event it registered for")
	}
	if got := listenerOut.take(); len(got) != 0 {
		t.Error("listener received expose without the mask")
	}
}

func TestEventToUnknownWindow(t *testing.T) {
	server := newTestServer(t)
	if err := server.InjectExpose(0xDEAD); !wire.IsResourceError(err) {
		t.Errorf("Inject to unknown window = %v, want ResourceError", err)
	}
}

func TestMalformedDeclaredLength(t *testing.T) {
	server := newTestServer(t)
	sess, _ := handshakeSession(t, server, 1)

	// Declared length (0 units) shorter than the header itself.
	bad := []byte{OpDestroyWindow, 0, 0, 0}
	if _, err := sess.process(bad); !wire.IsProtocolError(err) {
		t.Errorf("zero-length request = %v, want ProtocolError", err)
	}

	// Declared length disagrees with the opcode's fixed layout.
	sess2, _ := handshakeSession(t, server, 2)
	oversized := request(OpDestroyWindow, 0, u32Body(1, 2, 3))
	if _, err := sess2.process(oversized); !wire.IsProtocolError(err) {
		t.Errorf("oversized DestroyWindow = %v, want ProtocolError", err)
	}
}

func TestPutImageGetImageRoundTrip(t *testing.T) {
	server := newTestServer(t)
	sess, out := handshakeSession(t, server, 1)

	w := wire.NewWriter(4)
	w.PutU16(4)
	w.PutU16(4)
	mustProcess(t, sess, request(OpCreatePixmap, ScreenDepth, w.Bytes()))
	pixmap := replyID(t, out)

	pixels := make([]byte, 2*2*bytesPerPixel)
	for i := range pixels {
		pixels[i] = byte(i + 1)
	}
	body := wire.NewWriter(16 + len(pixels))
	body.PutU32(pixmap)
	body.PutU32(0) // gc
	body.PutU16(2)
	body.PutU16(2)
	body.PutI16(1)
	body.PutI16(1)
	body.PutBytes(pixels)
	mustProcess(t, sess, request(OpPutImage, 0, body.Bytes()))

	get := wire.NewWriter(12)
	get.PutU32(pixmap)
	get.PutI16(1)
	get.PutI16(1)
	get.PutU16(2)
	get.PutU16(2)
	mustProcess(t, sess, request(OpGetImage, 0, get.Bytes()))

	messages := out.take()
	if len(messages) != 1 {
		t.Fatalf("captured %d messages", len(messages))
	}
	got := messages[0][replyHeaderLen:]
	if len(got) != len(pixels) {
		t.Fatalf("GetImage returned %d bytes, want %d", len(got), len(pixels))
	}
	for i := range pixels {
		if got[i] != pixels[i] {
			t.Fatalf("pixel byte %d = %d, want %d", i, got[i], pixels[i])
		}
	}

	// Out-of-bounds rectangle is a value error, not a crash.
	bad := wire.NewWriter(12)
	bad.PutU32(pixmap)
	bad.PutI16(3)
	bad.PutI16(3)
	bad.PutU16(4)
	bad.PutU16(4)
	mustProcess(t, sess, request(OpGetImage, 0, bad.Bytes()))
	expectError(t, out, ErrCodeValue)
}

func TestShmBridge(t *testing.T) {
	server := newTestServer(t)
	emulator := shm.NewEmulator(nil)
	defer emulator.DeleteAll()
	server.SetSharedMemory(emulator)

	sess, out := handshakeSession(t, server, 1)

	w := wire.NewWriter(4)
	w.PutU16(4)
	w.PutU16(4)
	mustProcess(t, sess, request(OpCreatePixmap, ScreenDepth, w.Bytes()))
	pixmap := replyID(t, out)

	segID, err := emulator.Create(42, 4096)
	if err != nil {
		t.Fatalf("Create segment: %v", err)
	}
	segment, err := emulator.Lookup(segID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	pixels := segment.Bytes()
	for i := 0; i < 2*2*bytesPerPixel; i++ {
		pixels[8+i] = byte(0xA0 + i)
	}

	mustProcess(t, sess, request(OpShmAttach, 0, u32Body(segID)))
	handle := replyID(t, out)

	body := wire.NewWriter(24)
	body.PutU32(pixmap)
	body.PutU32(0) // gc
	body.PutU32(handle)
	body.PutU32(8) // offset
	body.PutU16(2)
	body.PutU16(2)
	body.PutI16(0)
	body.PutI16(0)
	mustProcess(t, sess, request(OpShmPutImage, 0, body.Bytes()))

	get := wire.NewWriter(12)
	get.PutU32(pixmap)
	get.PutI16(0)
	get.PutI16(0)
	get.PutU16(2)
	get.PutU16(2)
	mustProcess(t, sess, request(OpGetImage, 0, get.Bytes()))
	messages := out.take()
	if len(messages) != 1 {
		t.Fatalf("captured %d messages", len(messages))
	}
	if got := messages[0][replyHeaderLen]; got != 0xA0 {
		t.Errorf("first shm pixel byte = %#x, want 0xA0", got)
	}

	// Unknown handle replies a segment error and keeps the
	// connection alive.
	bad := wire.NewWriter(24)
	bad.PutU32(pixmap)
	bad.PutU32(0)
	bad.PutU32(0xFFFF)
	bad.PutU32(0)
	bad.PutU16(1)
	bad.PutU16(1)
	bad.PutI16(0)
	bad.PutI16(0)
	mustProcess(t, sess, request(OpShmPutImage, 0, bad.Bytes()))
	expectError(t, out, ErrCodeSegment)

	// Offset past the segment end is rejected the same way.
	past := wire.NewWriter(24)
	past.PutU32(pixmap)
	past.PutU32(0)
	past.PutU32(handle)
	past.PutU32(4090)
	past.PutU16(2)
	past.PutU16(2)
	past.PutI16(0)
	past.PutI16(0)
	mustProcess(t, sess, request(OpShmPutImage, 0, past.Bytes()))
	expectError(t, out, ErrCodeSegment)

	mustProcess(t, sess, request(OpShmDetach, 0, u32Body(handle)))
}

func TestSessionTeardownReleasesOwnedOnly(t *testing.T) {
	server := newTestServer(t)
	departing, departingOut := handshakeSession(t, server, 1)
	surviving, survivingOut := handshakeSession(t, server, 2)

	departed := createWindow(t, departing, departingOut, RootWindowID, MaskKeyPress)
	kept := createWindow(t, surviving, survivingOut, RootWindowID, 0)

	// The survivor references the departing client's window.
	mustProcess(t, surviving, request(OpSelectInput, 0, u32Body(departed, MaskExposure)))
	survivingOut.take()

	departing.teardown()

	if server.registry.Live(departed) {
		t.Error("departing client's window survived teardown")
	}
	if !server.registry.Live(kept) {
		t.Error("surviving client's window destroyed by another client's teardown")
	}

	mustProcess(t, surviving, request(OpQueryWindow, 0, u32Body(kept)))
	if messages := survivingOut.take(); len(messages) != 1 || messages[0][0] != MessageReply {
		t.Error("surviving session broken after peer teardown")
	}
}

func TestOversizedWindowRejected(t *testing.T) {
	server := newTestServer(t)
	sess, out := handshakeSession(t, server, 1)

	// A 65535x65535 window would need a multi-gigabyte backing store;
	// the create must fail before anything is allocated.
	w := wire.NewWriter(16)
	w.PutU32(RootWindowID)
	w.PutI16(0)
	w.PutI16(0)
	w.PutU16(0xFFFF)
	w.PutU16(0xFFFF)
	w.PutU32(0)
	mustProcess(t, sess, request(OpCreateWindow, ScreenDepth, w.Bytes()))
	expectError(t, out, ErrCodeValue)

	// A resize cannot sneak past the same bound.
	window := createWindow(t, sess, out, RootWindowID, 0)
	cfg := wire.NewWriter(12)
	cfg.PutU32(window)
	cfg.PutI16(0)
	cfg.PutI16(0)
	cfg.PutU16(0xFFFF)
	cfg.PutU16(0xFFFF)
	mustProcess(t, sess, request(OpConfigureWindow, 0, cfg.Bytes()))
	expectError(t, out, ErrCodeValue)

	// The window keeps its original geometry and stays usable.
	get := wire.NewWriter(12)
	get.PutU32(window)
	get.PutI16(0)
	get.PutI16(0)
	get.PutU16(2)
	get.PutU16(2)
	mustProcess(t, sess, request(OpGetImage, 0, get.Bytes()))
	if messages := out.take(); len(messages) != 1 || messages[0][0] != MessageReply {
		t.Error("connection broken after oversized requests")
	}
}

func TestTeardownDuringShmTrafficReleasesSegments(t *testing.T) {
	server := newTestServer(t)
	emulator := shm.NewEmulator(nil)
	defer emulator.DeleteAll()
	server.SetSharedMemory(emulator)

	sess, _ := handshakeSession(t, server, 1)
	segID, err := emulator.Create(9, 4096)
	if err != nil {
		t.Fatalf("Create segment: %v", err)
	}

	// Attach traffic keeps flowing while the connection is torn down,
	// the way a guest exiting mid-request hits the server.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			sess.process(request(OpShmAttach, 0, u32Body(segID)))
		}
	}()
	sess.teardown()
	<-done

	// Every attach was either drained by the teardown or undone when
	// it landed after the drain, so the segment deletes cleanly.
	if err := emulator.Delete(segID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n := emulator.SegmentCount(); n != 0 {
		t.Errorf("segments still held after teardown = %d", n)
	}
}

func TestIDSubrangeExhaustionFailsClosed(t *testing.T) {
	server := newTestServer(t)
	sess, out := handshakeSession(t, server, 1)
	sess.next = clientIDMask // one id left

	createWindow(t, sess, out, RootWindowID, 0)

	w := wire.NewWriter(16)
	w.PutU32(RootWindowID)
	w.PutI16(0)
	w.PutI16(0)
	w.PutU16(10)
	w.PutU16(10)
	w.PutU32(0)
	mustProcess(t, sess, request(OpCreateWindow, ScreenDepth, w.Bytes()))
	expectError(t, out, ErrCodeIDSpace)
}
