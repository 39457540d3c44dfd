// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package display

import (
	"time"

	"github.com/guestbox-project/guestbox/wire"
)

// InputEvent is a host input event to be synthesized into protocol
// event records: key or button transitions, pointer motion, or an
// expose notification for a window area.
type InputEvent struct {
	// Type is one of the Event* codes.
	Type uint8

	// Detail is the key code or button number; unused for motion and
	// expose.
	Detail uint8

	// Window is the target window id.
	Window uint32

	// X, Y are pointer coordinates relative to the target window.
	X, Y int16

	// State is the modifier/button mask at event time.
	State uint16
}

// eventMaskBit maps an event type to the mask bit a listener must
// have registered to receive it.
func eventMaskBit(eventType uint8) uint32 {
	switch eventType {
	case EventKeyPress:
		return MaskKeyPress
	case EventKeyRelease:
		return MaskKeyRelease
	case EventButtonPress:
		return MaskButtonPress
	case EventButtonRelease:
		return MaskButtonRelease
	case EventMotionNotify:
		return MaskPointerMotion
	case EventExpose:
		return MaskExposure
	default:
		return 0
	}
}

// eventTimeBase anchors the millisecond timestamps carried in event
// records.
var eventTimeBase = time.Now()

// Inject translates a host input event into a protocol event record
// and enqueues it to every connection whose registered mask on the
// target window matches. Delivery per window is FIFO for a single
// injecting goroutine; the registry lock is released before the
// blocking writes, so a full client only stalls its own delivery.
func (s *Server) Inject(event InputEvent) error {
	maskBit := eventMaskBit(event.Type)
	if maskBit == 0 {
		return wire.Resourcef("event delivery", event.Window, "unknown event type %d", event.Type)
	}

	targets, err := s.registry.eventTargets(event.Window, maskBit)
	if err != nil {
		return err
	}

	timestamp := uint32(time.Since(eventTimeBase) / time.Millisecond)
	for _, target := range targets {
		record := buildEventRecord(event, uint16(target.seq.Load()), timestamp)
		if writeErr := target.out.Write(record); writeErr != nil {
			// The connection is dying; its close callback cleans up.
			s.logger.Debug("event write failed", "window", event.Window, "error", writeErr)
		}
	}
	return nil
}

// InjectKey synthesizes a key press or release.
func (s *Server) InjectKey(window uint32, keycode uint8, press bool, state uint16) error {
	eventType := EventKeyRelease
	if press {
		eventType = EventKeyPress
	}
	return s.Inject(InputEvent{Type: eventType, Detail: keycode, Window: window, State: state})
}

// InjectButton synthesizes a pointer button press or release.
func (s *Server) InjectButton(window uint32, button uint8, press bool, x, y int16, state uint16) error {
	eventType := EventButtonRelease
	if press {
		eventType = EventButtonPress
	}
	return s.Inject(InputEvent{Type: eventType, Detail: button, Window: window, X: x, Y: y, State: state})
}

// InjectMotion synthesizes pointer motion.
func (s *Server) InjectMotion(window uint32, x, y int16, state uint16) error {
	return s.Inject(InputEvent{Type: EventMotionNotify, Window: window, X: x, Y: y, State: state})
}

// InjectExpose notifies listeners that a window area needs repaint.
func (s *Server) InjectExpose(window uint32) error {
	return s.Inject(InputEvent{Type: EventExpose, Window: window})
}

// buildEventRecord lays out the fixed 32-byte event record.
func buildEventRecord(event InputEvent, seq uint16, timestamp uint32) []byte {
	w := wire.NewWriter(EventRecordLen)
	w.PutU8(event.Type)
	w.PutU8(event.Detail)
	w.PutU16(seq)
	w.PutU32(event.Window)
	w.PutI16(event.X)
	w.PutI16(event.Y)
	w.PutU16(event.State)
	w.PutU16(0)
	w.PutU32(timestamp)
	w.PadTo(EventRecordLen)
	return w.Bytes()
}
