// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package display

import (
	"fmt"
	"sync"

	"github.com/guestbox-project/guestbox/wire"
)

// requestError is a client-visible request failure. It is replied to
// the client as an error message carrying code and id, and it unwraps
// to a wire.ResourceError so callers can classify it with the shared
// taxonomy. The connection stays open.
type requestError struct {
	code  uint8
	id    uint32
	inner *wire.ResourceError
}

func (e *requestError) Error() string { return e.inner.Error() }
func (e *requestError) Unwrap() error { return e.inner }

func reqErr(code uint8, id uint32, op, format string, args ...any) *requestError {
	return &requestError{
		code:  code,
		id:    id,
		inner: wire.Resourcef(op, id, format, args...),
	}
}

// Window is a window resource. Hierarchy links are ids, never
// pointers: parent is a weak lookup-only reference and children is an
// ordered id list, so cascading destruction cannot cycle.
type Window struct {
	id       uint32
	parent   uint32
	children []uint32

	x, y          int16
	width, height uint16
	depth         uint8
	mapped        bool

	// listeners maps a connected session to its registered event
	// mask for this window. Any session may listen on any window id.
	listeners map[*session]uint32

	// data is the lazily allocated backing store for image requests.
	data []byte

	owner *session // nil for the root window
}

// ID returns the window's resource id.
func (w *Window) ID() uint32 { return w.id }

// Pixmap is an offscreen pixel buffer resource.
type Pixmap struct {
	id            uint32
	width, height uint16
	depth         uint8
	data          []byte
	owner         *session
}

// ID returns the pixmap's resource id.
func (p *Pixmap) ID() uint32 { return p.id }

// GC is a graphics context resource. The minimal request surface
// carries no GC state the server interprets; the resource exists so
// ids validate and lifetimes match the reference server.
type GC struct {
	id    uint32
	owner *session
}

// ID returns the graphics context's resource id.
func (g *GC) ID() uint32 { return g.id }

// Registry is the server-wide resource arena. One lock serializes
// every mutation because resources are cross-referenced between
// clients; the lock is never held across a blocking socket write.
type Registry struct {
	mu        sync.Mutex
	resources map[uint32]any
}

// NewRegistry creates a registry holding only the root window.
func NewRegistry() *Registry {
	r := &Registry{resources: make(map[uint32]any)}
	r.resources[RootWindowID] = &Window{
		id:        RootWindowID,
		width:     ScreenWidth,
		height:    ScreenHeight,
		depth:     ScreenDepth,
		mapped:    true,
		listeners: make(map[*session]uint32),
	}
	return r
}

// window looks up id as a window. Caller holds r.mu.
func (r *Registry) window(id uint32, op string) (*Window, *requestError) {
	w, ok := r.resources[id].(*Window)
	if !ok {
		return nil, reqErr(ErrCodeResource, id, op, "no such window")
	}
	return w, nil
}

// CreateWindow allocates a window id from the owner's subrange and
// links it under parent. The optional event mask registers the owner
// as a listener in the same step.
func (r *Registry) CreateWindow(owner *session, parent uint32, x, y int16, width, height uint16, depth uint8, eventMask uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parentWindow, rerr := r.window(parent, "CreateWindow")
	if rerr != nil {
		return 0, rerr
	}
	if width == 0 || height == 0 {
		return 0, reqErr(ErrCodeValue, 0, "CreateWindow", "zero-sized window %dx%d", width, height)
	}
	if depth != ScreenDepth {
		return 0, reqErr(ErrCodeValue, 0, "CreateWindow", "unsupported depth %d", depth)
	}
	if int(width)*int(height)*bytesPerPixel > wire.MaxPayload {
		return 0, reqErr(ErrCodeValue, 0, "CreateWindow", "window %dx%d exceeds maximum image size", width, height)
	}

	id, err := owner.allocID()
	if err != nil {
		return 0, err
	}
	window := &Window{
		id:        id,
		parent:    parent,
		x:         x,
		y:         y,
		width:     width,
		height:    height,
		depth:     depth,
		listeners: make(map[*session]uint32),
		owner:     owner,
	}
	if eventMask != 0 {
		window.listeners[owner] = eventMask
	}
	r.resources[id] = window
	parentWindow.children = append(parentWindow.children, id)
	return id, nil
}

// DestroyWindow destroys a window and, recursively, its descendants
// in creation order. The root window cannot be destroyed.
func (r *Registry) DestroyWindow(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == RootWindowID {
		return reqErr(ErrCodeValue, id, "DestroyWindow", "cannot destroy root window")
	}
	window, rerr := r.window(id, "DestroyWindow")
	if rerr != nil {
		return rerr
	}
	r.unlinkFromParent(window)
	r.destroyWindowLocked(window)
	return nil
}

// unlinkFromParent removes the window from its parent's child list.
// Caller holds r.mu.
func (r *Registry) unlinkFromParent(window *Window) {
	parent, ok := r.resources[window.parent].(*Window)
	if !ok {
		return
	}
	for i, child := range parent.children {
		if child == window.id {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
}

// destroyWindowLocked removes the window and all descendants from the
// arena, children first in creation order. Caller holds r.mu and has
// already unlinked the subtree root from its parent.
func (r *Registry) destroyWindowLocked(window *Window) {
	for _, childID := range window.children {
		if child, ok := r.resources[childID].(*Window); ok {
			r.destroyWindowLocked(child)
		}
	}
	delete(r.resources, window.id)
}

// SetMapped maps or unmaps a window.
func (r *Registry) SetMapped(id uint32, mapped bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	window, rerr := r.window(id, "MapWindow")
	if rerr != nil {
		return rerr
	}
	window.mapped = mapped
	return nil
}

// Configure moves and resizes a window. Resizing discards the backing
// store; the client repaints on the next expose.
func (r *Registry) Configure(id uint32, x, y int16, width, height uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	window, rerr := r.window(id, "ConfigureWindow")
	if rerr != nil {
		return rerr
	}
	if width == 0 || height == 0 {
		return reqErr(ErrCodeValue, id, "ConfigureWindow", "zero-sized window %dx%d", width, height)
	}
	if int(width)*int(height)*bytesPerPixel > wire.MaxPayload {
		return reqErr(ErrCodeValue, id, "ConfigureWindow", "window %dx%d exceeds maximum image size", width, height)
	}
	if width != window.width || height != window.height {
		window.data = nil
	}
	window.x, window.y = x, y
	window.width, window.height = width, height
	return nil
}

// SelectInput registers (or clears, with mask zero) the session's
// event mask on the window. Any session may listen on any window.
func (r *Registry) SelectInput(listener *session, id uint32, mask uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	window, rerr := r.window(id, "SelectInput")
	if rerr != nil {
		return rerr
	}
	if mask == 0 {
		delete(window.listeners, listener)
	} else {
		window.listeners[listener] = mask
	}
	return nil
}

// QueryWindow returns a window's geometry and parent.
func (r *Registry) QueryWindow(id uint32) (x, y int16, width, height uint16, parent uint32, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	window, rerr := r.window(id, "QueryWindow")
	if rerr != nil {
		return 0, 0, 0, 0, 0, rerr
	}
	return window.x, window.y, window.width, window.height, window.parent, nil
}

// CreatePixmap allocates a pixmap from the owner's id subrange.
func (r *Registry) CreatePixmap(owner *session, width, height uint16, depth uint8) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if width == 0 || height == 0 {
		return 0, reqErr(ErrCodeValue, 0, "CreatePixmap", "zero-sized pixmap %dx%d", width, height)
	}
	if depth != ScreenDepth {
		return 0, reqErr(ErrCodeValue, 0, "CreatePixmap", "unsupported depth %d", depth)
	}
	if int(width)*int(height)*bytesPerPixel > wire.MaxPayload {
		return 0, reqErr(ErrCodeValue, 0, "CreatePixmap", "pixmap %dx%d exceeds maximum image size", width, height)
	}

	id, err := owner.allocID()
	if err != nil {
		return 0, err
	}
	r.resources[id] = &Pixmap{id: id, width: width, height: height, depth: depth, owner: owner}
	return id, nil
}

// FreePixmap destroys a pixmap.
func (r *Registry) FreePixmap(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resources[id].(*Pixmap); !ok {
		return reqErr(ErrCodeResource, id, "FreePixmap", "no such pixmap")
	}
	delete(r.resources, id)
	return nil
}

// CreateGC allocates a graphics context from the owner's id subrange.
func (r *Registry) CreateGC(owner *session) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := owner.allocID()
	if err != nil {
		return 0, err
	}
	r.resources[id] = &GC{id: id, owner: owner}
	return id, nil
}

// FreeGC destroys a graphics context.
func (r *Registry) FreeGC(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resources[id].(*GC); !ok {
		return reqErr(ErrCodeResource, id, "FreeGC", "no such graphics context")
	}
	delete(r.resources, id)
	return nil
}

// drawableBuffer returns the backing store and dimensions of a window
// or pixmap, allocating the store on first use. Caller holds r.mu.
func (r *Registry) drawableBuffer(id uint32, op string) ([]byte, uint16, uint16, *requestError) {
	switch d := r.resources[id].(type) {
	case *Window:
		if d.data == nil {
			d.data = make([]byte, int(d.width)*int(d.height)*bytesPerPixel)
		}
		return d.data, d.width, d.height, nil
	case *Pixmap:
		if d.data == nil {
			d.data = make([]byte, int(d.width)*int(d.height)*bytesPerPixel)
		}
		return d.data, d.width, d.height, nil
	default:
		return nil, 0, 0, reqErr(ErrCodeResource, id, op, "no such drawable")
	}
}

// PutImage copies a pixel rectangle into a drawable's backing store.
func (r *Registry) PutImage(drawable uint32, x, y int16, width, height uint16, pixels []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putImageLocked(drawable, x, y, width, height, pixels, "PutImage")
}

func (r *Registry) putImageLocked(drawable uint32, x, y int16, width, height uint16, pixels []byte, op string) error {
	buffer, dw, dh, rerr := r.drawableBuffer(drawable, op)
	if rerr != nil {
		return rerr
	}
	if len(pixels) != int(width)*int(height)*bytesPerPixel {
		return reqErr(ErrCodeValue, drawable, op,
			"pixel payload %d bytes, want %d", len(pixels), int(width)*int(height)*bytesPerPixel)
	}
	if x < 0 || y < 0 || int(x)+int(width) > int(dw) || int(y)+int(height) > int(dh) {
		return reqErr(ErrCodeValue, drawable, op,
			"rectangle %dx%d+%d+%d outside %dx%d drawable", width, height, x, y, dw, dh)
	}
	rowBytes := int(width) * bytesPerPixel
	for row := 0; row < int(height); row++ {
		destOffset := ((int(y)+row)*int(dw) + int(x)) * bytesPerPixel
		copy(buffer[destOffset:destOffset+rowBytes], pixels[row*rowBytes:(row+1)*rowBytes])
	}
	return nil
}

// GetImage copies a pixel rectangle out of a drawable's backing store.
func (r *Registry) GetImage(drawable uint32, x, y int16, width, height uint16) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buffer, dw, dh, rerr := r.drawableBuffer(drawable, "GetImage")
	if rerr != nil {
		return nil, rerr
	}
	if x < 0 || y < 0 || int(x)+int(width) > int(dw) || int(y)+int(height) > int(dh) {
		return nil, reqErr(ErrCodeValue, drawable, "GetImage",
			"rectangle %dx%d+%d+%d outside %dx%d drawable", width, height, x, y, dw, dh)
	}
	rowBytes := int(width) * bytesPerPixel
	out := make([]byte, int(height)*rowBytes)
	for row := 0; row < int(height); row++ {
		srcOffset := ((int(y)+row)*int(dw) + int(x)) * bytesPerPixel
		copy(out[row*rowBytes:(row+1)*rowBytes], buffer[srcOffset:srcOffset+rowBytes])
	}
	return out, nil
}

// eventTargets returns the sessions listening on the window with a
// mask matching the event bit. Snapshot is taken under the registry
// lock; actual writes happen after release.
func (r *Registry) eventTargets(window uint32, maskBit uint32) ([]*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, rerr := r.window(window, "event delivery")
	if rerr != nil {
		return nil, rerr
	}
	targets := make([]*session, 0, len(w.listeners))
	for listener, mask := range w.listeners {
		if mask&maskBit != 0 {
			targets = append(targets, listener)
		}
	}
	return targets, nil
}

// ReleaseSession destroys every resource owned by a departing session
// (cascading through window subtrees) and removes its listener
// registrations. Ids owned by other sessions stay valid even when the
// departing session referenced them.
func (r *Registry) ReleaseSession(owner *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Listener registrations first, including on surviving windows.
	for _, resource := range r.resources {
		if window, ok := resource.(*Window); ok {
			delete(window.listeners, owner)
		}
	}

	// Collect owned subtree roots before mutating. A window whose
	// ancestor is also owned is covered by the ancestor's cascade.
	var ownedWindows []*Window
	var ownedOther []uint32
	for id, resource := range r.resources {
		switch res := resource.(type) {
		case *Window:
			if res.owner == owner {
				ownedWindows = append(ownedWindows, res)
			}
		case *Pixmap:
			if res.owner == owner {
				ownedOther = append(ownedOther, id)
			}
		case *GC:
			if res.owner == owner {
				ownedOther = append(ownedOther, id)
			}
		}
	}
	for _, window := range ownedWindows {
		if _, stillLive := r.resources[window.id]; !stillLive {
			continue // already destroyed by an owned ancestor's cascade
		}
		r.unlinkFromParent(window)
		r.destroyWindowLocked(window)
	}
	for _, id := range ownedOther {
		delete(r.resources, id)
	}
}

// Live reports whether an id currently names a resource.
func (r *Registry) Live(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.resources[id]
	return ok
}

// ResourceCount returns the number of live resources, root included.
func (r *Registry) ResourceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resources)
}

// String summarizes the registry for logs.
func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	windows, pixmaps, gcs := 0, 0, 0
	for _, resource := range r.resources {
		switch resource.(type) {
		case *Window:
			windows++
		case *Pixmap:
			pixmaps++
		case *GC:
			gcs++
		}
	}
	return fmt.Sprintf("registry{windows: %d, pixmaps: %d, gcs: %d}", windows, pixmaps, gcs)
}
