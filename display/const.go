// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package display

// Fixed screen capabilities advertised in the setup reply. Actual
// frame presentation happens on a separate surface; these dimensions
// exist so the guest's driver lays out windows consistently.
const (
	ScreenWidth  = 1280
	ScreenHeight = 720
	ScreenDepth  = 24

	// RootWindowID is the server-owned root window, parent of every
	// top-level client window.
	RootWindowID = 1

	// VisualTrueColor is the visual class advertised in the setup
	// reply. The only supported visual: 24-bit TrueColor, 32 bits
	// per pixel on the wire.
	VisualTrueColor = 4

	// ProtocolMajor and ProtocolMinor are the supported protocol
	// version, validated during the handshake.
	ProtocolMajor = 11
	ProtocolMinor = 0
)

// Byte-order markers in the first setup byte. Only little-endian is
// supported; the translator only targets little-endian guests.
const (
	ByteOrderLittle = 'l'
	ByteOrderBig    = 'B'
)

// setupRequestLen is the fixed size of the setup request.
const setupRequestLen = 12

// setupReplyLen is the fixed size of a successful setup reply.
const setupReplyLen = 32

// requestHeaderLen is the fixed request header: opcode u8, detail u8,
// length u16 in 4-byte units (header included).
const requestHeaderLen = 4

// replyHeaderLen is the fixed reply header: type u8, code u8, seq
// u16, payload length u32.
const replyHeaderLen = 8

// errorReplyLen is the fixed size of an error reply.
const errorReplyLen = 12

// EventRecordLen is the fixed size of an event record.
const EventRecordLen = 32

// Message type bytes for server → client traffic.
const (
	MessageError uint8 = 0
	MessageReply uint8 = 1
)

// Request opcodes. The guest's driver hard-codes these values.
const (
	OpCreateWindow    uint8 = 1
	OpDestroyWindow   uint8 = 2
	OpMapWindow       uint8 = 3
	OpUnmapWindow     uint8 = 4
	OpConfigureWindow uint8 = 5
	OpSelectInput     uint8 = 6
	OpCreatePixmap    uint8 = 7
	OpFreePixmap      uint8 = 8
	OpCreateGC        uint8 = 9
	OpFreeGC          uint8 = 10
	OpPutImage        uint8 = 11
	OpGetImage        uint8 = 12
	OpQueryWindow     uint8 = 13
	OpShmAttach       uint8 = 14
	OpShmDetach       uint8 = 15
	OpShmPutImage     uint8 = 16
)

// Error codes carried in error replies.
const (
	ErrCodeResource uint8 = 1 // unknown or destroyed id
	ErrCodeValue    uint8 = 2 // out-of-range field value
	ErrCodeIDSpace  uint8 = 3 // client id subrange exhausted
	ErrCodeSegment  uint8 = 4 // unknown or detached shm segment
)

// Event type codes.
const (
	EventKeyPress      uint8 = 2
	EventKeyRelease    uint8 = 3
	EventButtonPress   uint8 = 4
	EventButtonRelease uint8 = 5
	EventMotionNotify  uint8 = 6
	EventExpose        uint8 = 12
)

// Event mask bits used with SelectInput and CreateWindow.
const (
	MaskKeyPress      uint32 = 1 << 0
	MaskKeyRelease    uint32 = 1 << 1
	MaskButtonPress   uint32 = 1 << 2
	MaskButtonRelease uint32 = 1 << 3
	MaskPointerMotion uint32 = 1 << 6
	MaskExposure      uint32 = 1 << 15
)

// Client id subranges: client n (1-based) owns ids with base n<<20,
// 20 bits of per-client id space. The root window id 1 sits below
// every client base.
const (
	clientIDShift = 20
	clientIDMask  = 1<<clientIDShift - 1
)

// bytesPerPixel is the wire pixel size for the supported visual.
const bytesPerPixel = 4
