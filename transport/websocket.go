package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when reading from a closed WebSocket connection.
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketOptions configure a connection to a controller's websocket
// bridge, such as the FluidNC web interface.
type WebSocketOptions struct {
	URL      string
	Username string
	Password string

	SkipTLSVerify bool
}

// WebSocketConnection exposes the binary messages of a websocket as a
// byte stream. Text messages are bridge notifications and are skipped.
type WebSocketConnection struct {
	conn *websocket.Conn

	rmx    sync.Mutex
	buf    []byte
	closed bool

	wmx sync.Mutex
}

// NewWebSocketConnection wraps an established websocket.
func NewWebSocketConnection(conn *websocket.Conn) *WebSocketConnection {
	return &WebSocketConnection{conn: conn}
}

// Read is meant for a single reading goroutine.
func (w *WebSocketConnection) Read(p []byte) (int, error) {
	w.rmx.Lock()
	if w.closed {
		w.rmx.Unlock()
		return 0, ErrConnectionClosed
	}
	if len(w.buf) > 0 {
		n := copy(p, w.buf)
		w.buf = w.buf[n:]
		w.rmx.Unlock()
		return n, nil
	}
	w.rmx.Unlock()

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.rmx.Lock()
			w.closed = true
			w.rmx.Unlock()
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		n := copy(p, data)
		w.rmx.Lock()
		w.buf = data[n:]
		w.rmx.Unlock()
		return n, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	w.wmx.Lock()
	defer w.wmx.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ResetInputBuffer drops the unread part of the current message.
func (w *WebSocketConnection) ResetInputBuffer() error {
	w.rmx.Lock()
	w.buf = nil
	w.rmx.Unlock()
	return nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// OpenWebSocket dials a websocket bridge, with HTTP Basic auth when a
// username and password are set.
func OpenWebSocket(ctx context.Context, opt WebSocketOptions) (*WebSocketConnection, error) {
	u, err := url.Parse(opt.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: opt.SkipTLSVerify}
	}

	headers := http.Header{}
	if opt.Username != "" && opt.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(opt.Username + ":" + opt.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, opt.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}
	return NewWebSocketConnection(conn), nil
}
