package grbl

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned from Conn methods after Close.
var ErrClosed = errors.New("connection closed")

// inputResetter is implemented by serial ports that can discard the OS
// receive buffer.
type inputResetter interface {
	ResetInputBuffer() error
}

// Conn represents a direct connection to a Grbl controller.
//
// Conn does no flow control of its own: line accounting belongs to the
// sender, and realtime bytes bypass it entirely.
type Conn struct {
	rw io.ReadWriter

	mx     sync.Mutex
	closed atomic.Bool
}

// NewConn creates a new Conn using the provided ReadWriter for data.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// Close marks the connection closed and closes the underlying
// ReadWriter, if it implements io.Closer.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Connected reports whether the connection is usable.
func (c *Conn) Connected() bool { return c.rw != nil && !c.closed.Load() }

func (c *Conn) write(p []byte) error {
	if !c.Connected() {
		return ErrClosed
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	_, err := c.rw.Write(p)
	return err
}

// WriteLine writes text and a newline in a single write, so a realtime
// byte can never land in the middle of a line.
func (c *Conn) WriteLine(text string) error {
	buf := make([]byte, 0, len(text)+1)
	buf = append(buf, text...)
	buf = append(buf, '\n')
	return c.write(buf)
}

// WriteRaw will write directly to the serial device without
// accounting for buffering.
//
// Use for realtime commands like `?`.
func (c *Conn) WriteRaw(b byte) error {
	return c.write([]byte{b})
}

// ClearReceiveBuffer discards bytes the OS has received but not yet
// delivered, when the underlying port supports it.
func (c *Conn) ClearReceiveBuffer() error {
	if !c.Connected() {
		return ErrClosed
	}
	if r, ok := c.rw.(inputResetter); ok {
		return r.ResetInputBuffer()
	}
	return nil
}

// Read reads raw bytes from the device. Chunk boundaries carry no meaning.
func (c *Conn) Read(p []byte) (int, error) {
	if !c.Connected() {
		return 0, ErrClosed
	}
	n, err := c.rw.Read(p)
	if err != nil && c.closed.Load() {
		return n, ErrClosed
	}
	return n, err
}
