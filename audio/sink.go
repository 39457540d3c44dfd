// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package audio

import (
	"errors"
	"sync"

	"github.com/guestbox-project/guestbox/wire"
)

// Format describes a PCM stream.
type Format struct {
	// Rate is the sample rate in Hz.
	Rate uint32

	// Channels is the channel count.
	Channels uint8

	// Bits is the sample width in bits.
	Bits uint8
}

// frameBytes returns the size of one frame, all channels included.
func (f Format) frameBytes() int {
	return int(f.Channels) * int(f.Bits) / 8
}

// validate rejects formats the playback path cannot carry.
func (f Format) validate() error {
	if f.Rate < 8000 || f.Rate > 192000 {
		return wire.Protocolf("audio", "Open", "unsupported sample rate %d", f.Rate)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return wire.Protocolf("audio", "Open", "unsupported channel count %d", f.Channels)
	}
	switch f.Bits {
	case 8, 16, 32:
	default:
		return wire.Protocolf("audio", "Open", "unsupported sample width %d", f.Bits)
	}
	return nil
}

// ErrSinkClosed is returned by writes to a closed sink, including
// writes unblocked by the close.
var ErrSinkClosed = errors.New("audio: sink closed")

// Sink consumes a PCM stream. Write blocks until the sink has accepted
// the frames; it never drops or reorders them.
type Sink interface {
	// Open declares the stream format before any write.
	Open(format Format) error

	// Write blocks until the frames are accepted or the sink closes.
	Write(frames []byte) error

	// Close ends the stream and unblocks any pending write.
	Close() error
}

// DefaultBufferLimit is the bounded sink's default capacity.
const DefaultBufferLimit = 256 * 1024

// BoundedSink is the default Sink: a bounded in-memory buffer. Writers
// block while the buffer cannot take the whole payload; a consumer
// calls Drain to empty it. Closing unblocks writers with ErrSinkClosed.
type BoundedSink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	limit  int
	buffer []byte
	format Format
	opened bool
	closed bool
}

// NewBoundedSink creates a sink holding at most limit buffered bytes.
// A non-positive limit uses DefaultBufferLimit.
func NewBoundedSink(limit int) *BoundedSink {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	s := &BoundedSink{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Open implements Sink.
func (s *BoundedSink) Open(format Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.format = format
	s.opened = true
	return nil
}

// Format returns the format the stream was opened with.
func (s *BoundedSink) Format() Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Write implements Sink: blocks while the payload does not fit.
// Payloads larger than the whole buffer are accepted in one piece once
// the buffer is empty rather than deadlocking.
func (s *BoundedSink) Write(frames []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed && len(s.buffer) > 0 && len(s.buffer)+len(frames) > s.limit {
		s.cond.Wait()
	}
	if s.closed {
		return ErrSinkClosed
	}
	s.buffer = append(s.buffer, frames...)
	return nil
}

// Drain removes and returns everything buffered, unblocking writers.
func (s *BoundedSink) Drain() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.buffer
	s.buffer = nil
	s.cond.Broadcast()
	return drained
}

// Buffered returns the number of buffered bytes.
func (s *BoundedSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Close implements Sink. Idempotent.
func (s *BoundedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}
