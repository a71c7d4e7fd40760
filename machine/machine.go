package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mastercactapus/gcstream/gcode"
	"github.com/mastercactapus/gcstream/machine/grbl"
	"github.com/mastercactapus/gcstream/stream"
	"github.com/rs/zerolog"
)

// ErrNotIdle is returned for operations that need a stopped machine.
var ErrNotIdle = errors.New("machine not idle")

// Config configures a Machine. Zero values use the package defaults of
// the grbl and stream packages.
type Config struct {
	StatusInterval time.Duration

	BufferSize  int
	ErrorPolicy stream.ErrorPolicy
	FlushOnStop bool

	StopSettle       time.Duration
	StopPollAttempts int
	StopPollInterval time.Duration
	ProgressInterval time.Duration

	// Resume configures ResumeFrom's repositioning; nil uses
	// gcode.DefaultResumeOptions.
	Resume *gcode.ResumeOptions

	Logger zerolog.Logger
}

// Machine ties a controller connection to a sender and a state tracker,
// and fans their events out to subscribers.
type Machine struct {
	adapter *grbl.SerialAdapter
	sender  *stream.Sender
	resume  gcode.ResumeOptions
	log     zerolog.Logger

	mx   sync.Mutex
	subs map[chan any]struct{}

	// query is non-nil while a parser state request runs as a job, and is
	// closed when it ends.
	qmx   sync.Mutex
	query chan struct{}
}

// queryTimeout bounds how long a new job waits for a running parser state
// request.
const queryTimeout = 2 * time.Second

// New creates a Machine talking to a controller over rw.
func New(rw io.ReadWriter, cfg Config) *Machine {
	resume := gcode.DefaultResumeOptions()
	if cfg.Resume != nil {
		resume = *cfg.Resume
	}
	m := &Machine{
		resume: resume,
		log:    cfg.Logger.With().Str("component", "machine").Logger(),
		subs:   make(map[chan any]struct{}),
	}
	m.adapter = grbl.NewSerialAdapter(rw, grbl.AdapterConfig{
		StatusInterval: cfg.StatusInterval,
		Logger:         cfg.Logger,
		OnEvent:        m.publish,
	})
	m.sender = stream.New(stream.Config{
		Transport:        m.adapter,
		Status:           m.adapter,
		BufferSize:       cfg.BufferSize,
		ErrorPolicy:      cfg.ErrorPolicy,
		FlushOnStop:      cfg.FlushOnStop,
		StopSettle:       cfg.StopSettle,
		StopPollAttempts: cfg.StopPollAttempts,
		StopPollInterval: cfg.StopPollInterval,
		ProgressInterval: cfg.ProgressInterval,
		Logger:           cfg.Logger,
		OnEvent:          m.publish,
	})
	m.adapter.SetHandler(m.sender)
	return m
}

// Run services the connection until ctx is done or it fails.
func (m *Machine) Run(ctx context.Context) error { return m.adapter.Run(ctx) }

func (m *Machine) Sender() *stream.Sender { return m.sender }

func (m *Machine) Tracker() *grbl.Tracker { return m.adapter.Tracker() }

// CurrentState returns the latest status snapshot.
func (m *Machine) CurrentState() grbl.Status { return m.adapter.Tracker().Status() }

// Subscribe returns a channel receiving every event from the sender and
// the tracker. A subscriber that falls behind misses events. The returned
// func unsubscribes and closes the channel.
func (m *Machine) Subscribe(buf int) (<-chan any, func()) {
	ch := make(chan any, buf)
	m.mx.Lock()
	m.subs[ch] = struct{}{}
	m.mx.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mx.Lock()
			delete(m.subs, ch)
			close(ch)
			m.mx.Unlock()
		})
	}
}

func (m *Machine) publish(e any) {
	if m.queryEvent(e) {
		return
	}
	query := m.reserveQuery(e)

	m.mx.Lock()
	for ch := range m.subs {
		select {
		case ch <- e:
		default:
		}
	}
	m.mx.Unlock()

	if query {
		m.runQuery()
	}
}

// queryEvent swallows the sender events of a running parser state request.
func (m *Machine) queryEvent(e any) bool {
	m.qmx.Lock()
	defer m.qmx.Unlock()
	if m.query == nil {
		return false
	}
	switch e.(type) {
	case stream.JobCompleted:
		close(m.query)
		m.query = nil
		return true
	case stream.LineCompleted, stream.ProgressUpdated, stream.StateChanged:
		return true
	}
	return false
}

// reserveQuery decides whether a finished job must be followed by a $G
// request. Status reports can only turn the spindle and coolant on: stock
// grbl drops the A: field once everything is off, so the parser state is
// the only way to learn they went off. The request is reserved before the
// event is fanned out so a subscriber starting the next job waits for it.
func (m *Machine) reserveQuery(e any) bool {
	if _, ok := e.(stream.JobCompleted); !ok {
		return false
	}
	if spindle, coolant := m.Tracker().Accessories(); !spindle && !coolant {
		return false
	}
	m.qmx.Lock()
	defer m.qmx.Unlock()
	if m.query != nil {
		return false
	}
	m.query = make(chan struct{})
	return true
}

// runQuery sends $G through the sender so its ok is accounted for.
func (m *Machine) runQuery() {
	err := m.sender.Load(stream.NewJob([]string{grbl.ParserStateQuery}, 0))
	if err == nil {
		err = m.sender.Start()
	}
	if err == nil {
		return
	}
	m.log.Debug().Err(err).Msg("parser state request skipped")
	m.qmx.Lock()
	if m.query != nil {
		close(m.query)
		m.query = nil
	}
	m.qmx.Unlock()
}

// waitQuery waits for a running parser state request to finish.
func (m *Machine) waitQuery() error {
	m.qmx.Lock()
	q := m.query
	m.qmx.Unlock()
	if q == nil {
		return nil
	}
	t := time.NewTimer(queryTimeout)
	defer t.Stop()
	select {
	case <-q:
		return nil
	case <-t.C:
		return stream.ErrJobActive
	}
}

func (m *Machine) querying() bool {
	m.qmx.Lock()
	defer m.qmx.Unlock()
	return m.query != nil
}

// Stream loads lines as a new job and starts it.
func (m *Machine) Stream(lines []string) error {
	return m.start(stream.NewJob(lines, 0))
}

// Command runs a single line, e.g. `$X` or `$H`, as a one-line job.
func (m *Machine) Command(line string) error {
	return m.Stream([]string{line})
}

func (m *Machine) start(job *stream.Job) error {
	if job.Len() == 0 {
		return stream.ErrNoJob
	}
	if err := m.waitQuery(); err != nil {
		return err
	}
	if err := m.sender.Load(job); err != nil {
		return err
	}
	return m.sender.Start()
}

// ResumeFrom starts lines at index line, after re-establishing the modal
// state the program had built up before it and moving safely to the last
// position it reached. Line indices reported for the job refer to lines.
func (m *Machine) ResumeFrom(lines []string, line int) error {
	if line == 0 {
		return m.Stream(lines)
	}
	if line < 0 || line >= len(lines) {
		return fmt.Errorf("resume at %d of %d: %w", line, len(lines), gcode.ErrLineOutOfRange)
	}

	state, err := gcode.Replay(lines, line-1)
	if err != nil {
		return err
	}
	if len(state.Skipped) > 0 {
		m.log.Warn().Ints("lines", state.Skipped).Msg("replay skipped unparsable lines")
	}
	seq, err := state.ResumeSequence(m.resume)
	if err != nil {
		return fmt.Errorf("resume at %d: %w", line, err)
	}

	job := stream.NewJob(lines[line:], line)
	job.Prepend(seq)
	m.log.Info().Int("line", line).Strs("preamble", seq).Msg("resuming program")
	return m.start(job)
}

// Restart starts lines at index from after running only the setup lines
// that precede the program's first motion. Unlike ResumeFrom it does not
// reposition: the operator is expected to have done that.
func (m *Machine) Restart(lines []string, from int) error {
	if from < 0 || from >= len(lines) {
		return fmt.Errorf("restart at %d of %d: %w", from, len(lines), gcode.ErrLineOutOfRange)
	}
	first := gcode.FirstMotion(lines)
	if first < 0 || from <= first {
		return m.Stream(lines)
	}

	job := stream.NewJob(lines[from:], from)
	job.Prepend(gcode.SetupPreamble(lines))
	m.log.Info().Int("line", from).Msg("restarting program")
	return m.start(job)
}

func (m *Machine) Pause() error {
	if m.querying() {
		return stream.ErrNotRunning
	}
	return m.sender.Pause()
}

func (m *Machine) Resume() error {
	if m.querying() {
		return stream.ErrNotPaused
	}
	return m.sender.Resume()
}

// Stop stops the active job. A parser state request still running after
// queryTimeout is stopped instead.
func (m *Machine) Stop(ctx context.Context) error {
	if err := m.waitQuery(); err != nil {
		m.log.Warn().Msg("parser state request timed out")
	}
	return m.sender.Stop(ctx)
}

// Close closes the connection.
func (m *Machine) Close() error { return m.adapter.Close() }
