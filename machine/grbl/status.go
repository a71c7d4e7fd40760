package grbl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mastercactapus/gcstream/coord"
	"github.com/rs/zerolog"
)

var (
	// ErrMissingMPos is reported for a status report without a machine
	// position. The position is derived from WPos when possible.
	ErrMissingMPos = errors.New("status report without MPos")

	// ErrMalformedField is reported for a status field that could not be
	// read. The last known value is kept.
	ErrMalformedField = errors.New("malformed status field")

	ErrNotStatusReport = errors.New("not a status report")
	ErrNotProbeResult  = errors.New("not a probe result")
)

// Status is a snapshot of the machine built from the latest status report.
type Status struct {
	State string

	MPos coord.Point
	WPos coord.Point

	Feed         float64
	SpindleSpeed float64
	SpindleOn    bool
	CoolantOn    bool

	// Line is the line number the controller reports executing, -1 if
	// it has never reported one.
	Line int

	// PlannerFree and RxFree are the free planner blocks and receive
	// buffer bytes from the Bf field, -1 if not reported.
	PlannerFree int
	RxFree      int

	FeedOverride    int
	RapidOverride   int
	SpindleOverride int
	Pins            string

	// Derived is set when MPos or WPos was computed from the last known
	// work coordinate offset instead of being reported.
	Derived bool

	Time time.Time
}

// Base returns the state without its sub-state, e.g. "Hold" for "Hold:0".
func (s Status) Base() string {
	return BaseState(s.State)
}

// BaseState strips the sub-state from a state token.
func BaseState(state string) string {
	if i := strings.IndexByte(state, ':'); i >= 0 {
		return state[:i]
	}
	return state
}

type ProbeResult struct {
	coord.Point
	Valid bool
}

// Events emitted by a Tracker.
type (
	MachineStatusChanged struct{ Status Status }

	MachineStateChanged struct{ From, To string }

	AccessoryStateChanged struct{ SpindleOn, CoolantOn bool }

	// ExecutingLine is the controller's own report of the line it is
	// running, independent of the sender's acknowledgment tracking.
	ExecutingLine struct{ Line int }

	ProbeCompleted struct{ Result ProbeResult }
)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Logger zerolog.Logger

	// OnEvent receives tracker events. It is called without any tracker
	// lock held and may query the tracker.
	OnEvent func(any)
}

// Tracker keeps the last known machine state across status reports.
//
// Controllers send WCO and accessory fields only intermittently, so values
// missing from a report are carried over from earlier reports rather than
// being treated as zero or off.
type Tracker struct {
	log     zerolog.Logger
	onEvent func(any)

	mx        sync.Mutex
	last      Status
	wco       coord.Point
	wcoKnown  bool
	spindleOn bool
	coolantOn bool
	modal     []string
}

func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		log:     cfg.Logger.With().Str("component", "tracker").Logger(),
		onEvent: cfg.OnEvent,
		last: Status{
			Line:            -1,
			PlannerFree:     -1,
			RxFree:          -1,
			FeedOverride:    100,
			RapidOverride:   100,
			SpindleOverride: 100,
		},
	}
}

func (t *Tracker) emit(events []any) {
	if t.onEvent == nil {
		return
	}
	for _, e := range events {
		t.onEvent(e)
	}
}

// Status returns the last snapshot.
func (t *Tracker) Status() Status {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.last
}

// State returns the last reported state token, "" before the first report.
func (t *Tracker) State() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.last.State
}

// WCO returns the last known work coordinate offset.
func (t *Tracker) WCO() (coord.Point, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.wco, t.wcoKnown
}

// Accessories returns the last known spindle and coolant state.
func (t *Tracker) Accessories() (spindleOn, coolantOn bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.spindleOn, t.coolantOn
}

// Modal returns the tokens of the last [GC:...] report.
func (t *Tracker) Modal() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return append([]string(nil), t.modal...)
}

func parseCoords(data string) (p coord.Point, err error) {
	parts := strings.Split(data, ",")
	if len(parts) != 3 && len(parts) != 4 {
		return p, errors.New("invalid number of elements")
	}
	vals := make([]float64, 4)
	for i, s := range parts {
		vals[i], err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return p, err
		}
	}
	return coord.Point{X: vals[0], Y: vals[1], Z: vals[2], A: vals[3]}, nil
}

func parseInts(data string, n int) ([]int, error) {
	parts := strings.Split(data, ",")
	if len(parts) < n {
		return nil, errors.New("invalid number of elements")
	}
	res := make([]int, n)
	for i := range res {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return nil, err
		}
		res[i] = int(v)
	}
	return res, nil
}

func parseFloats(data string) ([]float64, error) {
	parts := strings.Split(data, ",")
	res := make([]float64, len(parts))
	for i, s := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, err
		}
		res[i] = v
	}
	return res, nil
}

// report holds the fields of one status report.
type report struct {
	state string

	mPos, wPos, wco          coord.Point
	hasMPos, hasWPos, hasWCO bool

	feed, speed       float64
	hasFeed, hasSpeed bool

	accessory    string
	hasAccessory bool

	line    int
	hasLine bool

	buf       []int
	overrides []int
	pins      string
}

type fieldParser func(r *report, value string) error

// fields maps status field names to their parsers. Unknown fields are ignored.
var fields = map[string]fieldParser{
	"MPos": func(r *report, v string) (err error) {
		r.mPos, err = parseCoords(v)
		r.hasMPos = err == nil
		return err
	},
	"WPos": func(r *report, v string) (err error) {
		r.wPos, err = parseCoords(v)
		r.hasWPos = err == nil
		return err
	},
	"WCO": func(r *report, v string) (err error) {
		r.wco, err = parseCoords(v)
		r.hasWCO = err == nil
		return err
	},
	"FS": func(r *report, v string) error {
		vals, err := parseFloats(v)
		if err != nil {
			return err
		}
		if len(vals) < 2 {
			return errors.New("invalid number of elements")
		}
		r.feed, r.speed = vals[0], vals[1]
		r.hasFeed, r.hasSpeed = true, true
		return nil
	},
	"F": func(r *report, v string) error {
		if r.hasSpeed {
			// FS already gave the feed
			return nil
		}
		vals, err := parseFloats(v)
		if err != nil {
			return err
		}
		r.feed, r.hasFeed = vals[0], true
		return nil
	},
	"A": func(r *report, v string) error {
		r.accessory, r.hasAccessory = strings.ToUpper(v), true
		return nil
	},
	"Ln": func(r *report, v string) (err error) {
		r.line, err = strconv.Atoi(strings.TrimSpace(v))
		r.hasLine = err == nil
		return err
	},
	"Bf": func(r *report, v string) (err error) {
		r.buf, err = parseInts(v, 2)
		return err
	},
	"Ov": func(r *report, v string) (err error) {
		r.overrides, err = parseInts(v, 3)
		return err
	},
	"Pn": func(r *report, v string) error {
		r.pins = v
		return nil
	},
}

func init() {
	fields["line"] = fields["Ln"]
}

// parseReport tokenizes `<State|field:values|...>`. Field errors are
// collected and the remaining fields are still read.
func parseReport(data string) (*report, error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "<") || !strings.HasSuffix(data, ">") {
		return nil, ErrNotStatusReport
	}
	data = strings.TrimSuffix(strings.TrimPrefix(data, "<"), ">")
	parts := strings.Split(data, "|")

	r := &report{state: parts[0]}
	var errs []error
	for _, s := range parts[1:] {
		name, value, ok := strings.Cut(s, ":")
		parse := fields[name]
		if parse == nil {
			continue
		}
		if !ok {
			errs = append(errs, fmt.Errorf("%w %s: no value", ErrMalformedField, name))
			continue
		}
		if err := parse(r, value); err != nil {
			errs = append(errs, fmt.Errorf("%w %s=%q: %v", ErrMalformedField, name, value, err))
		}
	}
	return r, errors.Join(errs...)
}

// HandleStatus applies a `<...>` status report. The returned error lists
// anomalies (missing MPos, malformed fields); it is never fatal and the
// snapshot is updated from whatever could be read.
func (t *Tracker) HandleStatus(line string) error {
	r, err := parseReport(line)
	if r == nil {
		return err
	}
	errs := []error{err}

	var events []any
	t.mx.Lock()
	st := t.last
	st.Time = time.Now()
	st.Derived = false

	if r.state != st.State {
		events = append(events, MachineStateChanged{From: st.State, To: r.state})
		st.State = r.state
	}

	if r.hasWCO {
		t.wco = r.wco
		t.wcoKnown = true
	}
	switch {
	case r.hasMPos && r.hasWPos:
		st.MPos, st.WPos = r.mPos, r.wPos
	case r.hasMPos:
		st.MPos = r.mPos
		st.WPos = r.mPos.Sub(t.wco)
		st.Derived = true
	case r.hasWPos:
		st.WPos = r.wPos
		st.MPos = r.wPos.Add(t.wco)
		st.Derived = true
		errs = append(errs, ErrMissingMPos)
	default:
		errs = append(errs, ErrMissingMPos)
	}

	if r.hasFeed {
		st.Feed = r.feed
	}
	if r.hasSpeed {
		st.SpindleSpeed = r.speed
	}

	if r.hasAccessory {
		spindle := strings.ContainsAny(r.accessory, "SC")
		coolant := strings.ContainsAny(r.accessory, "FM")
		if spindle != t.spindleOn || coolant != t.coolantOn {
			t.spindleOn, t.coolantOn = spindle, coolant
			events = append(events, AccessoryStateChanged{SpindleOn: spindle, CoolantOn: coolant})
		}
	}
	st.SpindleOn, st.CoolantOn = t.spindleOn, t.coolantOn

	if r.hasLine {
		if r.line != st.Line {
			events = append(events, ExecutingLine{Line: r.line})
		}
		st.Line = r.line
	}
	if r.buf != nil {
		st.PlannerFree, st.RxFree = r.buf[0], r.buf[1]
	}
	if r.overrides != nil {
		st.FeedOverride, st.RapidOverride, st.SpindleOverride = r.overrides[0], r.overrides[1], r.overrides[2]
	}
	st.Pins = r.pins

	t.last = st
	t.mx.Unlock()

	for _, e := range events {
		if c, ok := e.(MachineStateChanged); ok {
			t.log.Debug().Str("from", c.From).Str("to", c.To).Msg("machine state changed")
		}
	}
	events = append(events, MachineStatusChanged{Status: st})
	t.emit(events)

	return errors.Join(errs...)
}

// HandleModalDump applies a `[GC:...]` parser state report. It is
// authoritative for spindle and coolant and always overwrites them.
func (t *Tracker) HandleModalDump(line string) {
	data := strings.TrimSpace(line)
	data = strings.TrimSuffix(data, "]")
	if i := strings.IndexByte(data, ':'); i >= 0 {
		data = data[i+1:]
	}
	tokens := strings.Fields(strings.ToUpper(data))

	t.mx.Lock()
	spindle, coolant := t.spindleOn, t.coolantOn
	for _, tok := range tokens {
		switch tok {
		case "M3", "M4":
			spindle = true
		case "M5":
			spindle = false
		case "M7", "M8":
			coolant = true
		case "M9":
			coolant = false
		}
	}
	t.spindleOn, t.coolantOn = spindle, coolant
	t.last.SpindleOn, t.last.CoolantOn = spindle, coolant
	t.modal = tokens
	t.mx.Unlock()

	t.emit([]any{AccessoryStateChanged{SpindleOn: spindle, CoolantOn: coolant}})
}

func parseProbe(data string) (*ProbeResult, error) {
	data = strings.TrimSpace(data)
	data = strings.TrimPrefix(data, "[")
	data = strings.TrimSuffix(data, "]")
	parts := strings.Split(data, ":")
	if len(parts) != 3 || !strings.EqualFold(parts[0], "PRB") {
		return nil, fmt.Errorf("%w: %s", ErrNotProbeResult, data)
	}

	var res ProbeResult
	var err error
	res.Valid = parts[2] == "1"
	res.Point, err = parseCoords(parts[1])
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// HandleProbe applies a `[PRB:x,y,z:ok]` probe report.
func (t *Tracker) HandleProbe(line string) (*ProbeResult, error) {
	res, err := parseProbe(line)
	if err != nil {
		return nil, err
	}
	t.emit([]any{ProbeCompleted{Result: *res}})
	return res, nil
}
