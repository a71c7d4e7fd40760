// Package transport opens byte links to a controller.
package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// Connection is a byte link to a controller.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// Serial drivers.
const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"
)

// ErrUnknownDriver is returned by OpenSerial for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown serial driver")

// readTimeout bounds a single Read so a closed port is noticed.
const readTimeout = 100 * time.Millisecond

// SerialOptions select and configure the serial port.
type SerialOptions struct {
	Port   string
	Baud   int
	Driver string
}

// OpenSerial opens a serial port with 8N1 framing.
func OpenSerial(opt SerialOptions) (Connection, error) {
	switch opt.Driver {
	case "", DriverTarm:
		return openTarm(opt)
	case DriverBugst:
		return openBugst(opt)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opt.Driver)
}

// tarmConnection adapts a tarm port, which reports an expired read
// timeout as io.EOF.
type tarmConnection struct {
	port *tarm.Port
}

func openTarm(opt SerialOptions) (Connection, error) {
	port, err := tarm.OpenPort(&tarm.Config{
		Name:        opt.Port,
		Baud:        opt.Baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", opt.Port, err)
	}
	return &tarmConnection{port: port}, nil
}

func (t *tarmConnection) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func (t *tarmConnection) Write(p []byte) (int, error) { return t.port.Write(p) }

// ResetInputBuffer discards unread input.
func (t *tarmConnection) ResetInputBuffer() error { return t.port.Flush() }

func (t *tarmConnection) Close() error { return t.port.Close() }

// bugstConnection wraps a go.bug.st serial port.
type bugstConnection struct {
	port bugst.Port
}

func openBugst(opt SerialOptions) (Connection, error) {
	mode := &bugst.Mode{
		BaudRate: opt.Baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	port, err := bugst.Open(opt.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", opt.Port, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return &bugstConnection{port: port}, nil
}

func (b *bugstConnection) Read(p []byte) (int, error) { return b.port.Read(p) }

func (b *bugstConnection) Write(p []byte) (int, error) { return b.port.Write(p) }

func (b *bugstConnection) ResetInputBuffer() error { return b.port.ResetInputBuffer() }

func (b *bugstConnection) Close() error { return b.port.Close() }
