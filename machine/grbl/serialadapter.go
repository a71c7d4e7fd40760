package grbl

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultStatusInterval is how often a status report is requested.
const DefaultStatusInterval = 250 * time.Millisecond

// Handler receives the responses that acknowledge streamed lines.
type Handler interface {
	OnOk()
	OnError(code int, raw string)
	OnAlarm(code int, raw string)
	OnReset()
}

// Message is a line from the controller that is neither a response nor a
// report, such as `[MSG:...]`, settings output or the startup banner.
type Message struct{ Text string }

type AdapterConfig struct {
	// StatusInterval is the period of `?` status queries. Negative
	// disables polling.
	StatusInterval time.Duration

	Logger zerolog.Logger

	// OnEvent receives tracker events and Messages.
	OnEvent func(any)
}

// SerialAdapter reads from a Conn, splits and classifies what it receives
// and routes it: acknowledgments to the Handler, reports to the Tracker.
type SerialAdapter struct {
	*Conn

	cfg     AdapterConfig
	log     zerolog.Logger
	tracker *Tracker
	reasm   Reassembler
	handler Handler
}

// NewSerialAdapter creates an adapter reading from rw. SetHandler must be
// called before Run.
func NewSerialAdapter(rw io.ReadWriter, cfg AdapterConfig) *SerialAdapter {
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	log := cfg.Logger.With().Str("component", "adapter").Logger()
	return &SerialAdapter{
		Conn: NewConn(rw),
		cfg:  cfg,
		log:  log,
		tracker: NewTracker(TrackerConfig{
			Logger:  cfg.Logger,
			OnEvent: cfg.OnEvent,
		}),
	}
}

func (a *SerialAdapter) SetHandler(h Handler) { a.handler = h }

func (a *SerialAdapter) Tracker() *Tracker { return a.tracker }

// State returns the last reported controller state.
func (a *SerialAdapter) State() string { return a.tracker.State() }

// ClearReceiveBuffer drops both the port's pending input and any partial
// line held by the reassembler.
func (a *SerialAdapter) ClearReceiveBuffer() error {
	err := a.Conn.ClearReceiveBuffer()
	a.reasm.Reset()
	return err
}

// HandleBytes consumes one chunk read from the controller.
func (a *SerialAdapter) HandleBytes(chunk []byte) {
	for line := range a.reasm.Lines(chunk) {
		a.HandleLine(line)
	}
}

// HandleLine routes a single complete line.
func (a *SerialAdapter) HandleLine(line string) {
	r := Classify(line)
	switch r.Kind {
	case KindOk:
		if a.handler != nil {
			a.handler.OnOk()
		}
	case KindError:
		a.log.Warn().Int("code", r.Code).Str("description", ErrorDescription(r.Code)).Msg("error response")
		if a.handler != nil {
			a.handler.OnError(r.Code, r.Raw)
		}
	case KindAlarm:
		a.log.Error().Int("code", r.Code).Str("description", AlarmDescription(r.Code)).Msg("alarm")
		if a.handler != nil {
			a.handler.OnAlarm(r.Code, r.Raw)
		}
	case KindStatusReport:
		if err := a.tracker.HandleStatus(line); err != nil {
			a.log.Warn().Err(err).Str("report", line).Msg("status report anomaly")
		}
	case KindProbeResult:
		if _, err := a.tracker.HandleProbe(line); err != nil {
			a.log.Warn().Err(err).Str("report", line).Msg("bad probe result")
		}
	case KindModalDump:
		a.tracker.HandleModalDump(line)
	default:
		if IsResetBanner(line) {
			a.log.Info().Str("banner", line).Msg("controller reset")
			if a.handler != nil {
				a.handler.OnReset()
			}
		} else {
			a.log.Debug().Str("line", line).Msg("message")
		}
		if a.cfg.OnEvent != nil {
			a.cfg.OnEvent(Message{Text: line})
		}
	}
}

func (a *SerialAdapter) readLoop(ctx context.Context) error {
	buf := make([]byte, 1024)
	for {
		n, err := a.Read(buf)
		if n > 0 {
			a.HandleBytes(buf[:n])
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				a.log.Error().Err(err).Msg("read from port")
			}
			return err
		}
	}
}

func (a *SerialAdapter) pollLoop(ctx context.Context) error {
	t := time.NewTicker(a.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := a.WriteRaw(StatusQuery); err != nil {
				a.log.Error().Err(err).Msg("status query")
				return err
			}
		}
	}
}

// Run reads from the connection and polls for status until ctx is done or
// the connection fails. The connection is closed when Run returns.
func (a *SerialAdapter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.readLoop(ctx) })
	if a.cfg.StatusInterval > 0 {
		g.Go(func() error { return a.pollLoop(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		// unblocks the pending Read
		return a.Close()
	})
	err := g.Wait()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
