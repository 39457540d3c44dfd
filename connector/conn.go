// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Conn is one accepted client connection. Protocol handlers key their
// per-connection state on the *Conn pointer.
type Conn struct {
	server *Server
	uc     *net.UnixConn

	// input accumulates unconsumed request bytes between reads.
	input []byte

	// writeMu serializes reply and event writes so concurrent
	// producers (request replies, input event synthesis) never
	// interleave partial messages.
	writeMu sync.Mutex

	filesMu sync.Mutex
	files   []*os.File

	closeOnce sync.Once
}

func newConn(s *Server, uc *net.UnixConn) *Conn {
	return &Conn{
		server: s,
		uc:     uc,
		input:  make([]byte, 0, s.config.InitialBufferSize),
	}
}

// readLoop reads from the socket, grows the input buffer, and feeds
// the handler until it stops consuming. Any handler error closes this
// connection only.
func (c *Conn) readLoop() {
	defer c.server.wg.Done()
	defer c.Close()

	scratch := make([]byte, 4096)
	oob := make([]byte, 256)

	for {
		var n int
		var err error
		if c.server.config.AncillaryMessages {
			var oobn int
			n, oobn, _, _, err = c.uc.ReadMsgUnix(scratch, oob)
			if oobn > 0 {
				if ancErr := c.receiveFiles(oob[:oobn]); ancErr != nil {
					c.server.logger.Warn("ancillary parse failed", "error", ancErr)
					return
				}
			}
		} else {
			n, err = c.uc.Read(scratch)
		}

		if n > 0 {
			c.input = append(c.input, scratch[:n]...)
			if len(c.input) > c.server.config.MaxBuffered {
				c.server.logger.Warn("connection exceeded input buffer cap",
					"buffered", len(c.input))
				return
			}
			if dispatchErr := c.drain(); dispatchErr != nil {
				if isExpectedCloseError(dispatchErr) {
					c.server.logger.Debug("connection closed during dispatch")
				} else {
					c.server.logger.Warn("closing connection", "error", dispatchErr)
				}
				return
			}
		}

		if err != nil {
			if !isExpectedCloseError(err) {
				c.server.logger.Warn("read failed", "error", err)
			}
			return
		}
	}
}

// drain feeds buffered input to the handler until it reports that no
// complete request remains.
func (c *Conn) drain() error {
	for len(c.input) > 0 {
		consumed, err := c.server.dispatch(c, c.input)
		if err != nil {
			return err
		}
		if consumed == 0 {
			return nil
		}
		if consumed > len(c.input) {
			return fmt.Errorf("handler consumed %d of %d buffered bytes", consumed, len(c.input))
		}
		remaining := copy(c.input, c.input[consumed:])
		c.input = c.input[:remaining]
	}
	return nil
}

// receiveFiles parses SCM_RIGHTS control messages and queues the
// passed descriptors for the handler.
func (c *Conn) receiveFiles(oob []byte) error {
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("parse control message: %w", err)
	}
	for _, message := range messages {
		fds, err := unix.ParseUnixRights(&message)
		if err != nil {
			// Not a rights message (e.g. credentials); ignore.
			continue
		}
		c.filesMu.Lock()
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			c.files = append(c.files, os.NewFile(uintptr(fd), "connector-ancillary"))
		}
		c.filesMu.Unlock()
	}
	return nil
}

// TakeFiles returns and clears the file descriptors received on this
// connection, in arrival order. The caller owns the files.
func (c *Conn) TakeFiles() []*os.File {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	files := c.files
	c.files = nil
	return files
}

// Write sends a complete reply or event message. The write blocks
// until the kernel accepts the bytes: a full client socket stalls
// this connection's writer, never drops or reorders.
func (c *Conn) Write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.uc.Write(p)
	return err
}

// WriteWithFile sends a message with a file descriptor attached as an
// SCM_RIGHTS ancillary payload. The kernel duplicates the descriptor
// into the receiver; the caller keeps ownership of file.
func (c *Conn) WriteWithFile(p []byte, file *os.File) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	rights := unix.UnixRights(int(file.Fd()))
	_, _, err := c.uc.WriteMsgUnix(p, rights, nil)
	return err
}

// Close tears the connection down: deregisters it, closes the socket,
// releases untaken ancillary files, and fires the handler's close
// callback exactly once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		first := c.server.dropConn(c)
		c.uc.Close()
		c.filesMu.Lock()
		for _, f := range c.files {
			f.Close()
		}
		c.files = nil
		c.filesMu.Unlock()
		if first {
			c.server.handler.HandleClose(c)
		}
	})
}

// RemoteAddr returns the peer address, for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.uc.RemoteAddr() }
