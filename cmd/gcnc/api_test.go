package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mastercactapus/gcstream/machine"
	"github.com/mastercactapus/gcstream/metrics"
	"github.com/mastercactapus/gcstream/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// controller acknowledges every line and answers status queries.
type controller struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mx      sync.Mutex
	lines   []string
	partial []byte
}

func newController() *controller {
	return &controller{in: make(chan []byte, 1024), done: make(chan struct{})}
}

func (c *controller) Read(b []byte) (int, error) {
	select {
	case <-c.done:
		return 0, io.EOF
	case data := <-c.in:
		return copy(b, data), nil
	}
}

func (c *controller) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *controller) Write(b []byte) (int, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if len(b) == 1 && b[0] == '?' {
		c.in <- []byte("<Idle|MPos:1.000,2.000,3.000|FS:0,0>\r\n")
		return 1, nil
	}
	c.partial = append(c.partial, b...)
	for {
		i := strings.IndexByte(string(c.partial), '\n')
		if i < 0 {
			break
		}
		c.lines = append(c.lines, string(c.partial[:i]))
		c.partial = c.partial[i+1:]
		c.in <- []byte("ok\r\n")
	}
	return len(b), nil
}

func (c *controller) Lines() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]string(nil), c.lines...)
}

type apiHarness struct {
	srv  *httptest.Server
	port *controller
	m    *machine.Machine
	dir  string
}

func startAPI(t *testing.T) *apiHarness {
	t.Helper()
	port := newController()
	m := machine.New(port, machine.Config{
		StatusInterval:   5 * time.Millisecond,
		StopSettle:       time.Millisecond,
		StopPollInterval: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(runDone)
	}()

	reg := prometheus.NewRegistry()
	met := metrics.New(reg, m.Sender())
	dir := t.TempDir()
	a := newAPI(m, dir, reg, zerolog.Nop())

	events, unsubscribe := m.Subscribe(256)
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		for e := range events {
			met.Observe(e)
			a.publish(e)
		}
	}()

	srv := httptest.NewServer(a)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
		cancel()
		<-runDone
		unsubscribe()
		<-pubDone
	})

	require.Eventually(t, func() bool { return m.Tracker().State() == "Idle" }, 5*time.Second, 5*time.Millisecond)
	return &apiHarness{srv: srv, port: port, m: m, dir: dir}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func (h *apiHarness) waitCompleted(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.m.Sender().State() == stream.Completed
	}, 5*time.Second, 5*time.Millisecond)
}

func TestAPI_RunAndStatus(t *testing.T) {
	h := startAPI(t)

	code, _ := h.do(t, "POST", "/api/run", "G21 G90\nG0 X1 (move)\n\nG1 X2 F100\n")
	require.Equal(t, http.StatusAccepted, code)
	h.waitCompleted(t)
	assert.Equal(t, []string{"G21 G90", "G0 X1", "G1 X2 F100"}, h.port.Lines())

	code, body := h.do(t, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	var res statusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Equal(t, "Completed", res.Execution)
	assert.Equal(t, 3, res.Stats.Completed)
	assert.Equal(t, 0, res.InFlightBytes)
	assert.Equal(t, stream.DefaultBufferSize, res.BufferSize)
	assert.Equal(t, "Idle", res.Machine.State)
	assert.Equal(t, 3.0, res.Machine.MPos.Z)
}

func TestAPI_ResumeFromFile(t *testing.T) {
	h := startAPI(t)

	program := "G21 G90 G54\nG0 Z5\nG0 X1 Y1\nG1 Z-1 F100\nG1 X5\n"
	code, _ := h.do(t, "PUT", "/data/job.nc", program)
	require.Equal(t, http.StatusOK, code)

	code, body := h.do(t, "GET", "/data/job.nc", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, program, body)

	code, _ = h.do(t, "POST", "/api/run?file=job.nc&from=4&mode=restart", "")
	require.Equal(t, http.StatusAccepted, code)
	h.waitCompleted(t)
	assert.Equal(t, []string{"G21 G90 G54", "G1 X5"}, h.port.Lines())

	code, _ = h.do(t, "DELETE", "/data/job.nc", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, "DELETE", "/data/job.nc", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_Errors(t *testing.T) {
	h := startAPI(t)

	for _, tc := range []struct {
		method, path, body string
		code               int
	}{
		{"POST", "/api/run", "(nothing)\n", http.StatusBadRequest},
		{"POST", "/api/run?from=x", "G0 X1\n", http.StatusBadRequest},
		{"POST", "/api/run?from=9", "G0 X1\n", http.StatusBadRequest},
		{"POST", "/api/run?file=missing.nc", "", http.StatusBadRequest},
		{"POST", "/api/pause", "", http.StatusConflict},
		{"POST", "/api/resume", "", http.StatusConflict},
		{"POST", "/api/command", "G0 X1\nG0 X2", http.StatusBadRequest},
		{"POST", "/api/probe", "", http.StatusBadRequest},
		{"GET", "/api/run", "", http.StatusMethodNotAllowed},
	} {
		code, body := h.do(t, tc.method, tc.path, tc.body)
		assert.Equal(t, tc.code, code, "%s %s: %s", tc.method, tc.path, body)
	}
	assert.Empty(t, h.port.Lines())
}

func TestAPI_CommandAndMetrics(t *testing.T) {
	h := startAPI(t)

	code, _ := h.do(t, "POST", "/api/command", "$X\n")
	require.Equal(t, http.StatusAccepted, code)
	h.waitCompleted(t)
	assert.Equal(t, []string{"$X"}, h.port.Lines())

	require.Eventually(t, func() bool {
		_, body := h.do(t, "GET", "/metrics", "")
		return strings.Contains(body, `gcstream_jobs_total{result="completed"} 1`)
	}, 5*time.Second, 10*time.Millisecond)

	_, body := h.do(t, "GET", "/metrics", "")
	assert.Contains(t, body, "gcstream_inflight_bytes 0")
	assert.Contains(t, body, "gcstream_buffer_size_bytes 122")
}
