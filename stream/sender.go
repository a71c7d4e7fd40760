package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mastercactapus/gcstream/machine/grbl"
	"github.com/rs/zerolog"
)

const (
	// DefaultRxBufferSize is the receive buffer of a stock grbl build.
	DefaultRxBufferSize = 127

	// SafetyMargin is kept free in the controller's receive buffer.
	SafetyMargin = 5

	DefaultBufferSize = DefaultRxBufferSize - SafetyMargin

	DefaultStopSettle       = 500 * time.Millisecond
	DefaultStopPollAttempts = 20
	DefaultStopPollInterval = 100 * time.Millisecond
)

// Transport is the byte link to the controller.
type Transport interface {
	// WriteLine writes text followed by a newline.
	WriteLine(text string) error

	// WriteRaw writes a single realtime byte, outside of line accounting.
	WriteRaw(b byte) error

	// ClearReceiveBuffer discards anything received but not yet processed.
	ClearReceiveBuffer() error

	Connected() bool
}

// StatusSource reports the controller state from its latest status report.
type StatusSource interface {
	State() string
}

// ErrorPolicy decides what an error response does to a running job.
type ErrorPolicy int

const (
	// AbortOnError fails the job on the first error response.
	AbortOnError ErrorPolicy = iota

	// ContinueOnError reports the error and keeps streaming. The failed
	// line counts as acknowledged.
	ContinueOnError
)

func (p ErrorPolicy) String() string {
	if p == ContinueOnError {
		return "continue"
	}
	return "abort"
}

// Config configures a Sender.
type Config struct {
	Transport Transport

	// Status is polled while stopping to wait for the controller to go
	// idle. If nil, Stop does not wait.
	Status StatusSource

	// BufferSize is the number of receive buffer bytes the sender may
	// fill: the controller's buffer minus a safety margin.
	BufferSize int

	ErrorPolicy ErrorPolicy

	// FlushOnStop sends a queue flush as part of the stop sequence.
	FlushOnStop bool

	StopSettle       time.Duration
	StopPollAttempts int
	StopPollInterval time.Duration

	// ProgressInterval is the period of ProgressUpdated events while a
	// job runs. Zero disables them.
	ProgressInterval time.Duration

	Logger zerolog.Logger

	// OnEvent receives sender events. Events from the send path are
	// delivered in order; ProgressUpdated comes from its own goroutine, so
	// OnEvent must be safe for concurrent use.
	OnEvent func(any)
}

// Sender streams a job to the controller using character counting: it
// tracks the exact bytes sitting in the controller's receive buffer and
// never writes a line that would overflow it.
type Sender struct {
	cfg Config
	log zerolog.Logger

	mx       sync.Mutex
	job      *Job
	window   Window
	state    ExecutionState
	stopping bool
	finished bool

	// gen changes whenever the job is replaced or ends, so a loop that
	// released the lock to write can tell its job is gone.
	gen int

	// pumping marks the owner of the send loop.
	pumping bool

	pending    []any
	delivering bool

	tickerStop chan struct{}

	counters counters
}

// New creates a Sender. Zero config values are replaced with defaults.
func New(cfg Config) *Sender {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.StopSettle <= 0 {
		cfg.StopSettle = DefaultStopSettle
	}
	if cfg.StopPollAttempts <= 0 {
		cfg.StopPollAttempts = DefaultStopPollAttempts
	}
	if cfg.StopPollInterval <= 0 {
		cfg.StopPollInterval = DefaultStopPollInterval
	}
	return &Sender{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "sender").Logger(),
	}
}

// State returns the current lifecycle state.
func (s *Sender) State() ExecutionState {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Paused reports whether the job is held.
func (s *Sender) Paused() bool { return s.State() == Paused }

// Stats returns the progress of the current or last job.
func (s *Sender) Stats() Stats { return s.counters.snapshot() }

// InFlightBytes is the number of bytes sent but not acknowledged.
func (s *Sender) InFlightBytes() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.window.Bytes()
}

// InFlight is the number of lines sent but not acknowledged.
func (s *Sender) InFlight() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.window.Len()
}

// BufferSize is the effective controller buffer the sender fills.
func (s *Sender) BufferSize() int { return s.cfg.BufferSize }

// queue records an event for delivery once the lock is released.
func (s *Sender) queue(e any) {
	s.pending = append(s.pending, e)
}

// flush delivers queued events. Only one goroutine delivers at a time;
// events queued meanwhile, including by handlers calling back into the
// sender, are picked up by the active deliverer in order.
func (s *Sender) flush() {
	s.mx.Lock()
	if s.delivering {
		s.mx.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		events := s.pending
		s.pending = nil
		s.mx.Unlock()
		if s.cfg.OnEvent != nil {
			for _, e := range events {
				s.cfg.OnEvent(e)
			}
		}
		s.mx.Lock()
	}
	s.delivering = false
	s.mx.Unlock()
}

func (s *Sender) setStateLocked(next ExecutionState) error {
	prev := s.state
	st, err := prev.Transition(next)
	if err != nil {
		s.log.Error().Err(err).Msg("rejected state change")
		return err
	}
	s.state = st
	s.queue(StateChanged{From: prev, To: st})
	return nil
}

// LoadJob replaces the queue with lines. See NewJob for how lines are
// cleaned and numbered.
func (s *Sender) LoadJob(lines []string, lineOffset int) error {
	return s.Load(NewJob(lines, lineOffset))
}

// Load replaces the queue with job. It fails while a job is active.
func (s *Sender) Load(job *Job) error {
	for _, c := range job.cmds {
		if c.Bytes > s.cfg.BufferSize {
			return fmt.Errorf("%w: %d bytes > %d: %q", ErrLineTooLong, c.Bytes, s.cfg.BufferSize, c.Text)
		}
	}

	s.mx.Lock()
	if s.state.Active() {
		s.mx.Unlock()
		return ErrJobActive
	}
	if s.state != Idle {
		s.setStateLocked(Idle)
	}
	s.gen++
	s.job = job
	s.window.Clear()
	s.finished = false
	s.counters.reset(job.Len())
	s.mx.Unlock()
	s.flush()

	s.log.Info().Int("commands", job.Len()).Int("offset", job.offset).Msg("job loaded")
	return nil
}

// Start begins streaming the loaded job. It does nothing if the queue is
// empty, and fails if the transport is down or a job is already active.
func (s *Sender) Start() error {
	if s.cfg.Transport == nil || !s.cfg.Transport.Connected() {
		return ErrNotConnected
	}

	s.mx.Lock()
	if s.state.Active() {
		s.mx.Unlock()
		return ErrJobActive
	}
	if s.job == nil || s.job.Done() {
		s.mx.Unlock()
		return nil
	}
	if err := s.setStateLocked(Running); err != nil {
		s.mx.Unlock()
		return err
	}
	s.counters.start.Store(time.Now().UnixNano())
	s.startTickerLocked()
	s.mx.Unlock()
	s.flush()

	s.log.Info().Msg("job started")
	s.pump()
	return nil
}

// pump runs the send loop. Exactly one goroutine owns the loop at a time:
// a caller that finds it owned returns at once, and the owner re-checks
// for free space on every iteration, so space freed by an ok that arrives
// while the owner is writing (even re-entrantly, from inside WriteLine) is
// used by the owner instead of a second, overlapping loop.
func (s *Sender) pump() {
	s.mx.Lock()
	if s.pumping {
		s.mx.Unlock()
		return
	}
	s.pumping = true
	for {
		cmd, ok := s.nextLocked()
		if !ok {
			break
		}
		gen := s.gen
		s.mx.Unlock()
		err := s.cfg.Transport.WriteLine(cmd.Text)
		s.mx.Lock()
		if gen != s.gen {
			break
		}
		if err != nil {
			// the line never reached the controller
			s.window.PopBack()
			s.counters.sent.Add(-1)
			if !s.stopping {
				s.failLocked("write failed", fmt.Errorf("%w: %q: %w", ErrWriteFailed, cmd.Text, err))
			}
			break
		}
	}
	s.pumping = false
	s.mx.Unlock()
	s.flush()
}

// nextLocked moves the next command into the window if it fits. It marks
// the job completed once everything is sent and acknowledged.
func (s *Sender) nextLocked() (Command, bool) {
	if s.state != Running || s.job == nil {
		return Command{}, false
	}
	if s.job.Done() {
		if s.window.Len() == 0 {
			s.finishLocked(Completed, "completed", nil)
		}
		return Command{}, false
	}
	cmd := s.job.peek()
	if s.window.Bytes()+cmd.Bytes > s.cfg.BufferSize {
		s.log.Debug().Int("inflight", s.window.Bytes()).Int("next", cmd.Bytes).Msg("buffer full, waiting for ok")
		return Command{}, false
	}
	s.window.Push(cmd)
	s.job.advance()
	s.counters.sent.Add(1)
	return cmd, true
}

// finishLocked ends the job exactly once: it drops the queue and window,
// moves to state and queues the JobCompleted event.
func (s *Sender) finishLocked(state ExecutionState, reason string, err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.gen++
	s.counters.end.Store(time.Now().UnixNano())
	s.stopTickerLocked()
	if s.state != state {
		s.setStateLocked(state)
	}

	s.job = nil
	s.window.Clear()

	success := state == Completed
	ev := s.log.Info()
	if !success {
		ev = s.log.Error().Err(err)
	}
	ev.Str("reason", reason).Msg("job finished")

	s.queue(JobCompleted{Success: success, Stats: s.counters.snapshot(), Reason: reason, Err: err})
}

func (s *Sender) failLocked(reason string, err error) {
	s.finishLocked(Failed, reason, err)
}

// OnOk handles an ok response: it completes the oldest in-flight line and
// continues streaming.
func (s *Sender) OnOk() {
	s.mx.Lock()
	cmd, ok := s.window.PopFront()
	if !ok {
		s.mx.Unlock()
		s.log.Debug().Msg("ok with nothing in flight")
		return
	}
	s.counters.completed.Add(1)
	if cmd.Line >= 0 && s.job != nil {
		s.queue(LineCompleted{Index: cmd.Line + s.job.offset})
	}
	running := s.state == Running
	s.mx.Unlock()
	s.flush()

	if running {
		s.pump()
	}
}

// OnError handles an error:<code> response for the oldest in-flight line.
func (s *Sender) OnError(code int, raw string) {
	msg := grbl.ErrorDescription(code)

	s.mx.Lock()
	if s.stopping {
		s.mx.Unlock()
		s.log.Debug().Int("code", code).Msg("error while stopping ignored")
		return
	}
	if !s.state.Active() {
		s.mx.Unlock()
		s.log.Warn().Int("code", code).Str("raw", raw).Msg("error response outside of a job")
		return
	}

	cmd, _ := s.window.Front()
	s.queue(CommandError{Code: code, Message: msg, Command: cmd.Text})

	if s.cfg.ErrorPolicy == ContinueOnError {
		s.window.PopFront()
		s.counters.completed.Add(1)
		s.counters.errors.Add(1)
		running := s.state == Running
		s.mx.Unlock()
		s.log.Warn().Int("code", code).Str("command", cmd.Text).Str("message", msg).Msg("command error, continuing")
		s.flush()
		if running {
			s.pump()
		}
		return
	}

	s.counters.errors.Add(1)
	n := s.window.Clear()
	s.log.Debug().Int("dropped", n).Msg("cleared in-flight window")
	err := &ProtocolError{Code: code, Raw: raw, Message: msg, Command: cmd.Text}
	s.failLocked(err.Error(), err)
	s.mx.Unlock()
	s.flush()
}

// OnAlarm handles an ALARM:<code> response. An alarm always ends the job
// and the controller must be unlocked or re-homed before further motion.
func (s *Sender) OnAlarm(code int, raw string) {
	msg := grbl.AlarmDescription(code)

	s.mx.Lock()
	if s.stopping {
		s.mx.Unlock()
		s.log.Debug().Int("code", code).Msg("alarm while stopping ignored")
		return
	}
	s.queue(RehomeRequired{Code: code, Message: msg})
	if s.state.Active() {
		cmd, _ := s.window.Front()
		s.queue(CommandError{Code: code, Message: msg, Command: cmd.Text, Alarm: true})
		s.counters.errors.Add(1)
		s.window.Clear()
		err := &ProtocolError{Code: code, Alarm: true, Raw: raw, Message: msg, Command: cmd.Text}
		s.failLocked(err.Error(), err)
	} else {
		s.log.Warn().Int("code", code).Str("message", msg).Msg("alarm")
	}
	s.mx.Unlock()
	s.flush()
}

// OnReset handles the controller's startup banner. A reset the sender did
// not ask for drops the controller's buffer, so an active job cannot go on.
func (s *Sender) OnReset() {
	s.mx.Lock()
	if s.stopping || !s.state.Active() {
		s.mx.Unlock()
		return
	}
	s.window.Clear()
	s.failLocked("controller reset", ErrControllerReset)
	s.mx.Unlock()
	s.flush()
}

func (s *Sender) writeRaw(b byte) error {
	if s.cfg.Transport == nil {
		return ErrNotConnected
	}
	return s.cfg.Transport.WriteRaw(b)
}

// Pause holds motion. The queue and window are kept for Resume; oks for
// lines already in the controller are still counted.
func (s *Sender) Pause() error {
	s.mx.Lock()
	if s.state != Running {
		s.mx.Unlock()
		return ErrNotRunning
	}
	s.setStateLocked(Paused)
	s.mx.Unlock()
	s.flush()

	if err := s.writeRaw(grbl.FeedHold); err != nil {
		s.fail("write failed", fmt.Errorf("%w: feed hold: %w", ErrWriteFailed, err))
		return err
	}
	s.log.Info().Msg("job paused")
	return nil
}

// Resume releases a Pause. If nothing is in flight the send loop restarts
// now, otherwise the next ok restarts it.
//
// If every line was acknowledged during the hold there is nothing left to
// stream: the hold is still released and the job completes, but
// ErrNothingToResume is returned.
func (s *Sender) Resume() error {
	s.mx.Lock()
	if s.state != Paused {
		s.mx.Unlock()
		return ErrNotPaused
	}
	s.setStateLocked(Running)
	idle := s.window.Len() == 0
	empty := idle && (s.job == nil || s.job.Done())
	s.mx.Unlock()
	s.flush()

	if err := s.writeRaw(grbl.CycleStart); err != nil {
		s.fail("write failed", fmt.Errorf("%w: cycle start: %w", ErrWriteFailed, err))
		return err
	}
	s.log.Info().Bool("idle", idle).Msg("job resumed")
	if idle {
		s.pump()
	}
	if empty {
		return ErrNothingToResume
	}
	return nil
}

func (s *Sender) fail(reason string, err error) {
	s.mx.Lock()
	if !s.stopping && s.state.Active() {
		s.failLocked(reason, err)
	}
	s.mx.Unlock()
	s.flush()
}

// Stop cancels the active job: it halts motion, resets the controller,
// waits a bounded time for it to report Idle and then drops the queue.
// Calling Stop with no active job, or while a Stop is in progress, does
// nothing. If ctx ends early the cleanup still happens and ctx's error is
// returned.
func (s *Sender) Stop(ctx context.Context) error {
	s.mx.Lock()
	if s.stopping || !s.state.Active() {
		s.mx.Unlock()
		return nil
	}
	s.stopping = true
	s.setStateLocked(Stopping)
	s.mx.Unlock()
	s.flush()
	s.log.Info().Msg("stopping job")

	err := s.stopSequence(ctx)

	s.mx.Lock()
	s.finishLocked(Stopping, "cancelled", ErrCancelled)
	s.setStateLocked(Idle)
	s.stopping = false
	s.mx.Unlock()
	s.flush()
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Sender) stopSequence(ctx context.Context) error {
	seq := []byte{grbl.FeedHold}
	if s.cfg.FlushOnStop {
		seq = append(seq, grbl.QueueFlush)
	}
	seq = append(seq, grbl.JogCancel, grbl.SoftReset)
	for _, b := range seq {
		if err := s.writeRaw(b); err != nil {
			s.log.Warn().Err(err).Hex("byte", []byte{b}).Msg("stop sequence write failed")
		}
	}

	if err := sleep(ctx, s.cfg.StopSettle); err != nil {
		return err
	}
	if s.cfg.Transport != nil {
		if err := s.cfg.Transport.ClearReceiveBuffer(); err != nil {
			s.log.Warn().Err(err).Msg("clear receive buffer")
		}
	}
	if s.cfg.Status == nil {
		return nil
	}

	for i := 0; i < s.cfg.StopPollAttempts; i++ {
		if err := s.writeRaw(grbl.StatusQuery); err != nil {
			s.log.Warn().Err(err).Msg("status query")
		}
		if err := sleep(ctx, s.cfg.StopPollInterval); err != nil {
			return err
		}
		state := s.cfg.Status.State()
		switch grbl.BaseState(state) {
		case "Idle":
			return nil
		case "Alarm":
			s.log.Warn().Str("state", state).Msg("controller in alarm after stop")
			return nil
		case "Hold":
			if err := s.writeRaw(grbl.CycleStart); err != nil {
				s.log.Warn().Err(err).Msg("cycle start")
			}
		}
	}
	s.log.Warn().Int("attempts", s.cfg.StopPollAttempts).Msg("controller did not report Idle after stop")
	return nil
}

func (s *Sender) startTickerLocked() {
	if s.cfg.ProgressInterval <= 0 || s.cfg.OnEvent == nil {
		return
	}
	stop := make(chan struct{})
	s.tickerStop = stop
	go func() {
		t := time.NewTicker(s.cfg.ProgressInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.cfg.OnEvent(ProgressUpdated{Stats: s.counters.snapshot()})
			}
		}
	}()
}

func (s *Sender) stopTickerLocked() {
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
}
