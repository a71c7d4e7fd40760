package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/mastercactapus/gcstream/gcode"
	"github.com/mastercactapus/gcstream/machine"
	"github.com/mastercactapus/gcstream/machine/grbl"
	"github.com/mastercactapus/gcstream/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type api struct {
	http.Handler
	m       *machine.Machine
	dataDir string
	sse     *sse.Server
	log     zerolog.Logger
}

func newAPI(m *machine.Machine, dir string, gatherer prometheus.Gatherer, log zerolog.Logger) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		m:       m,
		dataDir: dir,
		log:     log.With().Str("component", "api").Logger(),
	}
	a.sse = sse.NewServer(&sse.Options{
		Logger: stdlog.New(a.log, "", 0),
	})

	r.Use(a.logRequests)

	fs := http.StripPrefix("/data", http.FileServer(http.Dir(dir)))
	r.PathPrefix("/data/").Methods("GET").Handler(fs)
	r.PathPrefix("/data/").Methods("PUT").HandlerFunc(a.putFile)
	r.PathPrefix("/data/").Methods("DELETE").HandlerFunc(a.deleteFile)

	r.HandleFunc("/api/run", a.run).Methods("POST")
	r.HandleFunc("/api/pause", a.pause).Methods("POST")
	r.HandleFunc("/api/resume", a.resume).Methods("POST")
	r.HandleFunc("/api/stop", a.stop).Methods("POST")
	r.HandleFunc("/api/command", a.command).Methods("POST")
	r.HandleFunc("/api/probe", a.probe).Methods("POST")
	r.HandleFunc("/api/status", a.status).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.PathPrefix("/events/").Handler(a.sse)

	return a
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		a.log.Debug().Str("method", req.Method).Str("path", req.URL.Path).Str("remote", req.RemoteAddr).Msg("request")
		next.ServeHTTP(w, req)
	})
}

// Close disconnects event subscribers.
func (a *api) Close() { a.sse.Shutdown() }

// publish forwards a machine event to event stream subscribers.
func (a *api) publish(e any) {
	switch e := e.(type) {
	case grbl.MachineStatusChanged:
		a.send("/events/state", "", e.Status)
	case stream.LineCompleted:
		a.send("/events/job", "line", e)
	case stream.ProgressUpdated:
		a.send("/events/job", "progress", e.Stats)
	case stream.StateChanged:
		a.send("/events/job", "state", map[string]string{"from": e.From.String(), "to": e.To.String()})
	case stream.CommandError:
		a.send("/events/job", "error", e)
	case stream.RehomeRequired:
		a.send("/events/job", "rehome", e)
	case stream.JobCompleted:
		msg := struct {
			Success bool
			Reason  string
			Error   string `json:",omitempty"`
			Stats   stream.Stats
		}{Success: e.Success, Reason: e.Reason, Stats: e.Stats}
		if e.Err != nil {
			msg.Error = e.Err.Error()
		}
		a.send("/events/job", "done", msg)
	case grbl.Message:
		a.send("/events/job", "message", e)
	}
}

func (a *api) send(channel, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		a.log.Error().Err(err).Str("channel", channel).Msg("marshal event")
		return
	}
	if event == "" {
		a.sse.SendMessage(channel, sse.SimpleMessage(string(data)))
		return
	}
	a.sse.SendMessage(channel, sse.NewMessage("", string(data), event))
}

// httpError maps sender and machine errors to a status code.
func (a *api) httpError(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, stream.ErrJobActive),
		errors.Is(err, stream.ErrNotRunning),
		errors.Is(err, stream.ErrNotPaused),
		errors.Is(err, stream.ErrNothingToResume),
		errors.Is(err, machine.ErrNotIdle):
		code = http.StatusConflict
	case errors.Is(err, stream.ErrNotConnected):
		code = http.StatusServiceUnavailable
	case errors.Is(err, stream.ErrNoJob),
		errors.Is(err, stream.ErrLineTooLong),
		errors.Is(err, gcode.ErrLineOutOfRange),
		errors.Is(err, gcode.ErrPositionUncertain),
		errors.Is(err, gcode.ErrNoPosition):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		a.log.Error().Err(err).Str("op", op).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func safePath(base, name string) (bool, string) {
	if filepath.Separator != '/' && strings.ContainsRune(name, filepath.Separator) {
		return false, ""
	}
	dir := base
	if dir == "" {
		dir = "."
	}
	return true, filepath.Join(dir, filepath.FromSlash(path.Clean("/"+name)))
}

// program reads the G-code to run from the named data file, or from the
// request body when no file is given.
func (a *api) program(req *http.Request) ([]string, error) {
	name := req.URL.Query().Get("file")
	if name == "" {
		return gcode.ReadLines(req.Body)
	}
	ok, full := safePath(a.dataDir, name)
	if !ok {
		return nil, errors.New("invalid file name")
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return gcode.ReadLines(f)
}

func (a *api) run(w http.ResponseWriter, req *http.Request) {
	lines, err := a.program(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q := req.URL.Query()
	var from int
	if s := q.Get("from"); s != "" {
		from, err = strconv.Atoi(s)
		if err != nil {
			http.Error(w, "from: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	switch {
	case from > 0 && q.Get("mode") == "restart":
		err = a.m.Restart(lines, from)
	case from > 0:
		err = a.m.ResumeFrom(lines, from)
	default:
		err = a.m.Stream(lines)
	}
	if err != nil {
		a.httpError(w, "run", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) pause(w http.ResponseWriter, req *http.Request) {
	if err := a.m.Pause(); err != nil {
		a.httpError(w, "pause", err)
	}
}

func (a *api) resume(w http.ResponseWriter, req *http.Request) {
	if err := a.m.Resume(); err != nil {
		a.httpError(w, "resume", err)
	}
}

func (a *api) stop(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 30*time.Second)
	defer cancel()
	if err := a.m.Stop(ctx); err != nil {
		a.httpError(w, "stop", err)
	}
}

func (a *api) command(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(io.LimitReader(req.Body, 4096))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	line := strings.TrimSpace(string(data))
	if strings.ContainsAny(line, "\r\n") {
		http.Error(w, "command must be a single line", http.StatusBadRequest)
		return
	}
	if err := a.m.Command(line); err != nil {
		a.httpError(w, "command", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type statusResponse struct {
	Execution     string
	Stats         stream.Stats
	InFlightBytes int
	BufferSize    int
	Machine       grbl.Status
}

func (a *api) status(w http.ResponseWriter, req *http.Request) {
	s := a.m.Sender()
	res := statusResponse{
		Execution:     s.State().String(),
		Stats:         s.Stats(),
		InFlightBytes: s.InFlightBytes(),
		BufferSize:    s.BufferSize(),
		Machine:       a.m.CurrentState(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		a.log.Error().Err(err).Msg("encode status")
	}
}

func (a *api) probe(w http.ResponseWriter, req *http.Request) {
	var err error
	var opt machine.ProbeOptions
	opt.ZeroZAxis = req.FormValue("zeroZAxis") == "1"

	parse := func(param string, def float64) (val float64) {
		s := req.FormValue(param)
		if err != nil || s == "" {
			return def
		}
		val, err = strconv.ParseFloat(s, 64)
		return val
	}
	opt.FeedRate = parse("feedRate", 0)
	opt.MaxTravel = parse("maxZTravel", 0)
	opt.Offset = parse("offset", 0)
	if err == nil && (opt.FeedRate <= 0 || opt.MaxTravel == 0) {
		err = errors.New("feedRate and maxZTravel are required")
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := a.m.ProbeZ(req.Context(), opt)
	if err != nil {
		a.httpError(w, "probe", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		a.log.Error().Err(err).Msg("encode probe result")
	}
}

func (a *api) putFile(w http.ResponseWriter, req *http.Request) {
	ok, name := safePath(a.dataDir, strings.TrimPrefix(req.URL.Path, "/data"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		a.httpError(w, "put", err)
		return
	}
	f, err := os.Create(name)
	if err != nil {
		a.httpError(w, "put", err)
		return
	}
	defer f.Close()
	if _, err := io.Copy(f, req.Body); err != nil {
		a.httpError(w, "put", err)
		return
	}
}

func (a *api) deleteFile(w http.ResponseWriter, req *http.Request) {
	ok, name := safePath(a.dataDir, strings.TrimPrefix(req.URL.Path, "/data"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if err := os.Remove(name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, req)
			return
		}
		a.httpError(w, "delete", err)
	}
}
