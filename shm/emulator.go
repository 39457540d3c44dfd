// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package shm

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/guestbox-project/guestbox/wire"
)

// MaxSegmentSize caps a single segment at 256 MB. The guest's drivers
// allocate segments sized to framebuffers and staging buffers; 256 MB
// is far above any legitimate request while keeping a runaway guest
// from exhausting the host.
const MaxSegmentSize = 256 * 1024 * 1024

// maxSegmentID is the last assignable id. Allocation is monotonic and
// fails closed at exhaustion instead of wrapping into a collision.
const maxSegmentID = 1<<31 - 1

// Segment is one emulated shared-memory segment: a memfd-backed
// buffer mapped into the server and passable to clients by
// descriptor.
type Segment struct {
	id   uint32
	key  uint32
	size uint32

	file *os.File
	data []byte

	attachCount int
	// pendingDelete marks a segment removed by Delete while still
	// attached; it is freed when the last attach goes away.
	pendingDelete bool
}

// ID returns the server-assigned segment id.
func (s *Segment) ID() uint32 { return s.id }

// Key returns the guest-chosen key the segment was created under.
func (s *Segment) Key() uint32 { return s.key }

// Size returns the segment size in bytes.
func (s *Segment) Size() uint32 { return s.size }

// File returns the backing memfd. The kernel duplicates it when it is
// passed over a socket; the emulator keeps ownership.
func (s *Segment) File() *os.File { return s.file }

// Bytes returns the server-side mapping of the segment. The slice is
// valid until the segment is freed.
func (s *Segment) Bytes() []byte { return s.data }

// Emulator is the segment table. All operations are serialized by one
// lock; DeleteAll holds it for the full sweep so no attach can race
// the teardown.
type Emulator struct {
	logger *slog.Logger

	mu     sync.Mutex
	byID   map[uint32]*Segment
	byKey  map[uint32]uint32
	nextID uint32
}

// NewEmulator creates an empty segment table.
func NewEmulator(logger *slog.Logger) *Emulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emulator{
		logger: logger,
		byID:   make(map[uint32]*Segment),
		byKey:  make(map[uint32]uint32),
		nextID: 1,
	}
}

// Create returns the id of the segment for key, allocating it when no
// live segment holds the key. Calling Create twice with the same key
// before any delete returns the same id both times (create without
// exclusive semantics).
func (e *Emulator) Create(key, size uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byKey[key]; ok {
		return id, nil
	}
	if size == 0 || size > MaxSegmentSize {
		return 0, wire.Resourcef("shm create", 0, "invalid segment size %d", size)
	}
	if e.nextID > maxSegmentID {
		return 0, wire.Resourcef("shm create", 0, "segment id space exhausted")
	}

	fd, err := unix.MemfdCreate("guestbox-shm", unix.MFD_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("ftruncate to %d: %w", size, err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("mmap segment: %w", err)
	}

	segment := &Segment{
		id:   e.nextID,
		key:  key,
		size: size,
		file: os.NewFile(uintptr(fd), "guestbox-shm"),
		data: data,
	}
	e.nextID++
	e.byID[segment.id] = segment
	e.byKey[key] = segment.id

	e.logger.Debug("created shm segment", "id", segment.id, "key", key, "size", size)
	return segment.id, nil
}

// Attach increments the segment's reference count and returns it.
func (e *Emulator) Attach(id uint32) (*Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	segment, ok := e.byID[id]
	if !ok {
		return nil, wire.Resourcef("shm attach", id, "no such segment")
	}
	segment.attachCount++
	return segment, nil
}

// Detach decrements the segment's reference count. Detaching at count
// zero is a reported error, not a crash. A segment marked for delete
// is freed when its last attach goes away.
func (e *Emulator) Detach(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	segment, ok := e.byID[id]
	if !ok {
		return wire.Resourcef("shm detach", id, "no such segment")
	}
	if segment.attachCount == 0 {
		return wire.Resourcef("shm detach", id, "not attached")
	}
	segment.attachCount--
	if segment.attachCount == 0 && segment.pendingDelete {
		e.free(segment)
	}
	return nil
}

// Delete removes the segment's key mapping so the key can be reused,
// and frees the segment once no attaches remain (immediately when
// unattached).
func (e *Emulator) Delete(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	segment, ok := e.byID[id]
	if !ok {
		return wire.Resourcef("shm delete", id, "no such segment")
	}
	delete(e.byKey, segment.key)
	if segment.attachCount == 0 {
		e.free(segment)
	} else {
		segment.pendingDelete = true
	}
	return nil
}

// Lookup returns the segment for id without touching its reference
// count. The display server's shared-memory bridge uses this for bulk
// image reads.
func (e *Emulator) Lookup(id uint32) (*Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	segment, ok := e.byID[id]
	if !ok {
		return nil, wire.Resourcef("shm lookup", id, "no such segment")
	}
	return segment, nil
}

// SegmentCount returns the number of live segments.
func (e *Emulator) SegmentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}

// DeleteAll force-frees every segment irrespective of outstanding
// attach counts. It holds the table lock for the full sweep and is
// called at shutdown before the coordination socket closes, so no
// attach request can race it. Idempotent.
func (e *Emulator) DeleteAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, segment := range e.byID {
		if segment.attachCount > 0 {
			e.logger.Warn("force-freeing attached segment",
				"id", segment.id, "attaches", segment.attachCount)
		}
		e.free(segment)
	}
	e.byKey = make(map[uint32]uint32)
}

// free unmaps and closes a segment and drops it from the id table.
// Caller holds e.mu.
func (e *Emulator) free(segment *Segment) {
	if segment.data != nil {
		if err := unix.Munmap(segment.data); err != nil {
			e.logger.Warn("munmap failed", "id", segment.id, "error", err)
		}
		segment.data = nil
	}
	if segment.file != nil {
		segment.file.Close()
		segment.file = nil
	}
	delete(e.byID, segment.id)
}
