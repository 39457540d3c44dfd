// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"testing"
)

func TestWriterReader(t *testing.T) {
	w := NewWriter(16)
	w.PutU8(0x42)
	w.PutU16(0xBEEF)
	w.PutU32(0xDEADBEEF)
	w.PutI16(-7)
	w.PutBytes([]byte{1, 2, 3})
	w.Pad4()

	if w.Len()%4 != 0 {
		t.Fatalf("Pad4 left length %d", w.Len())
	}

	r := NewReader(w.Bytes())
	if got := r.U8(); got != 0x42 {
		t.Errorf("U8 = %#x", got)
	}
	if got := r.U16(); got != 0xBEEF {
		t.Errorf("U16 = %#x", got)
	}
	if got := r.U32(); got != 0xDEADBEEF {
		t.Errorf("U32 = %#x", got)
	}
	if got := r.I16(); got != -7 {
		t.Errorf("I16 = %d", got)
	}
	if got := r.Bytes(3); got[0] != 1 || got[2] != 3 {
		t.Errorf("Bytes = %v", got)
	}
	if !r.Ok() {
		t.Error("reader reported short read on valid input")
	}
}

func TestReaderShortRead(t *testing.T) {
	r := NewReader([]byte{1, 2})
	r.U32()
	if r.Ok() {
		t.Error("expected short-read flag after U32 on 2 bytes")
	}
	// Sticky: later reads stay flagged and return zero values.
	if got := r.U8(); got != 0 {
		t.Errorf("post-short U8 = %d, want 0", got)
	}
	if r.Ok() {
		t.Error("short-read flag cleared unexpectedly")
	}
}

func TestPadTo(t *testing.T) {
	w := NewWriter(8)
	w.PutU8(9)
	w.PadTo(8)
	if w.Len() != 8 {
		t.Fatalf("PadTo(8) left %d bytes", w.Len())
	}
	w.PadTo(4) // shorter than current length: no-op
	if w.Len() != 8 {
		t.Fatalf("PadTo(4) truncated to %d bytes", w.Len())
	}
}

func TestErrorTaxonomy(t *testing.T) {
	pe := Protocolf("display", "CreateWindow", "declared length %d exceeds payload", 99)
	if !IsProtocolError(fmt.Errorf("dispatch: %w", pe)) {
		t.Error("wrapped ProtocolError not recognized")
	}
	if IsResourceError(pe) {
		t.Error("ProtocolError misclassified as ResourceError")
	}

	re := Resourcef("DestroyWindow", 0x200001, "no such window")
	if !IsResourceError(re) {
		t.Error("ResourceError not recognized")
	}
	var target *ResourceError
	if !errors.As(re, &target) || target.ID != 0x200001 {
		t.Errorf("errors.As mismatch: %+v", target)
	}
}
