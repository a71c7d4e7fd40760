package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// SPJSOptions configure a serial port shared through a
// serial-port-json-server.
type SPJSOptions struct {
	URL  string
	Port string
	Baud int

	Logger zerolog.Logger
}

type spjsDataFrame struct {
	Port string `json:"P"`
	Data string `json:"D"`
}

type spjsError struct {
	Error string
}

// SPJSConnection is a byte stream to one serial port of a
// serial-port-json-server. The port is opened with the server's default
// buffer algorithm, so flow control is left to the caller.
type SPJSConnection struct {
	ws   *websocket.Conn
	port string
	log  zerolog.Logger

	rmx    sync.Mutex
	buf    []byte
	closed bool

	wmx sync.Mutex
}

// OpenSPJS connects to the server at opt.URL and opens opt.Port on it.
func OpenSPJS(ctx context.Context, opt SPJSOptions) (*SPJSConnection, error) {
	if opt.Port == "" {
		return nil, fmt.Errorf("spjs: port is required")
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, opt.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("spjs connect: %w", err)
	}
	c := &SPJSConnection{
		ws:   ws,
		port: opt.Port,
		log:  opt.Logger.With().Str("component", "spjs").Str("port", opt.Port).Logger(),
	}
	if err := c.command("open " + opt.Port + " " + strconv.Itoa(opt.Baud) + " default"); err != nil {
		ws.Close()
		return nil, fmt.Errorf("spjs open %s: %w", opt.Port, err)
	}
	return c, nil
}

func (c *SPJSConnection) command(cmd string) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(cmd))
}

// frame decodes a server message, returning the serial data it carries
// for this connection's port.
func (c *SPJSConnection) frame(data []byte) (string, bool) {
	if !bytes.HasPrefix(data, []byte("{")) {
		// command echo
		return "", false
	}
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("decode message")
		return "", false
	}
	if msg["Error"] != nil {
		var e spjsError
		if err := json.Unmarshal(data, &e); err == nil {
			c.log.Error().Str("error", e.Error).Msg("server error")
		}
		return "", false
	}
	if msg["P"] == nil || msg["D"] == nil {
		return "", false
	}
	var f spjsDataFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Warn().Err(err).Msg("decode data frame")
		return "", false
	}
	if !strings.EqualFold(f.Port, c.port) {
		return "", false
	}
	return f.Data, true
}

// Read is meant for a single reading goroutine.
func (c *SPJSConnection) Read(p []byte) (int, error) {
	c.rmx.Lock()
	if c.closed {
		c.rmx.Unlock()
		return 0, ErrConnectionClosed
	}
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		c.rmx.Unlock()
		return n, nil
	}
	c.rmx.Unlock()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.rmx.Lock()
			c.closed = true
			c.rmx.Unlock()
			return 0, err
		}
		s, ok := c.frame(data)
		if !ok || s == "" {
			continue
		}
		n := copy(p, s)
		c.rmx.Lock()
		c.buf = []byte(s[n:])
		c.rmx.Unlock()
		return n, nil
	}
}

// Write sends p to the port unbuffered by the server.
func (c *SPJSConnection) Write(p []byte) (int, error) {
	if err := c.command("sendnobuf " + c.port + " " + string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ResetInputBuffer drops the unread part of the current data frame.
func (c *SPJSConnection) ResetInputBuffer() error {
	c.rmx.Lock()
	c.buf = nil
	c.rmx.Unlock()
	return nil
}

// Close releases the port on the server and disconnects.
func (c *SPJSConnection) Close() error {
	if err := c.command("close " + c.port); err != nil {
		c.log.Debug().Err(err).Msg("close port")
	}
	return c.ws.Close()
}
