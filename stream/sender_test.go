package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mastercactapus/gcstream/machine/grbl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeTransport struct {
	mx           sync.Mutex
	lines        []string
	raw          []byte
	clears       int
	failOn       string
	disconnected bool
	onWrite      func(string)
}

func (f *fakeTransport) WriteLine(text string) error {
	f.mx.Lock()
	if f.failOn != "" && text == f.failOn {
		f.mx.Unlock()
		return errors.New("broken pipe")
	}
	f.lines = append(f.lines, text)
	hook := f.onWrite
	f.mx.Unlock()
	if hook != nil {
		hook(text)
	}
	return nil
}

func (f *fakeTransport) WriteRaw(b byte) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.raw = append(f.raw, b)
	return nil
}

func (f *fakeTransport) ClearReceiveBuffer() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.clears++
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return !f.disconnected
}

func (f *fakeTransport) Lines() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeTransport) Raw() []byte {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]byte(nil), f.raw...)
}

// fakeStatus reports states in order, repeating the last one.
type fakeStatus struct {
	mx     sync.Mutex
	states []string
	onPoll func()
}

func (f *fakeStatus) State() string {
	f.mx.Lock()
	st := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	hook := f.onPoll
	f.onPoll = nil
	f.mx.Unlock()
	if hook != nil {
		hook()
	}
	return st
}

type recorder struct {
	mx     sync.Mutex
	events []any
	done   chan JobCompleted
}

func newRecorder() *recorder { return &recorder{done: make(chan JobCompleted, 16)} }

func (r *recorder) record(e any) {
	r.mx.Lock()
	r.events = append(r.events, e)
	r.mx.Unlock()
	if jc, ok := e.(JobCompleted); ok {
		r.done <- jc
	}
}

func eventsOf[T any](r *recorder) []T {
	r.mx.Lock()
	defer r.mx.Unlock()
	var res []T
	for _, e := range r.events {
		if v, ok := e.(T); ok {
			res = append(res, v)
		}
	}
	return res
}

func (r *recorder) lineIndices() []int {
	var res []int
	for _, e := range eventsOf[LineCompleted](r) {
		res = append(res, e.Index)
	}
	return res
}

func (r *recorder) wait(t *testing.T) JobCompleted {
	t.Helper()
	select {
	case jc := <-r.done:
		return jc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job completion")
	}
	return JobCompleted{}
}

func newTestSender(cfg Config) (*Sender, *fakeTransport, *recorder) {
	ft := &fakeTransport{}
	rec := newRecorder()
	cfg.Transport = ft
	cfg.OnEvent = rec.record
	if cfg.StopSettle == 0 {
		cfg.StopSettle = time.Millisecond
	}
	if cfg.StopPollInterval == 0 {
		cfg.StopPollInterval = time.Millisecond
	}
	return New(cfg), ft, rec
}

func repeat(line string, n int) []string {
	res := make([]string, n)
	for i := range res {
		res[i] = line
	}
	return res
}

func TestSender_BufferNeverOverflows(t *testing.T) {
	s, ft, rec := newTestSender(Config{BufferSize: 30})
	lines := []string{
		"G21",
		"G0 X1 Y1",
		"G1 X10.5 Y20.25 F300",
		"G1 X2",
		"M3 S1000",
		"G1 X3 Y4 Z-0.5 F100",
		"G0 Z5",
		"M5",
	}
	require.NoError(t, s.LoadJob(lines, 0))
	require.NoError(t, s.Start())

	for i := 0; s.State() == Running; i++ {
		require.Less(t, i, 100, "job did not finish")
		assert.LessOrEqual(t, s.InFlightBytes(), 30)
		assert.Positive(t, s.InFlight())
		s.OnOk()
	}

	assert.Equal(t, Completed, s.State())
	assert.Equal(t, lines, ft.Lines())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, rec.lineIndices())
	jc := eventsOf[JobCompleted](rec)
	require.Len(t, jc, 1)
	assert.True(t, jc[0].Success)
	assert.Equal(t, 8, jc[0].Stats.Completed)
	assert.Equal(t, 100.0, jc[0].Stats.Progress())
}

func TestSender_WaitsForSpace(t *testing.T) {
	s, ft, _ := newTestSender(Config{BufferSize: 20})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 10), 0))
	require.NoError(t, s.Start())

	// 6 bytes each, a fourth would make 24
	assert.Len(t, ft.Lines(), 3)
	assert.Equal(t, 18, s.InFlightBytes())

	s.OnOk()
	assert.Len(t, ft.Lines(), 4)
	assert.Equal(t, 18, s.InFlightBytes())
	assert.Equal(t, 4, s.Stats().Sent)
	assert.Equal(t, 1, s.Stats().Completed)
}

func TestSender_ResumeContinuity(t *testing.T) {
	s, _, rec := newTestSender(Config{BufferSize: 12})
	require.NoError(t, s.LoadJob([]string{"G0 X1", "; note", "G0 X2", "", "G0 X3"}, 40))
	require.NoError(t, s.Start())
	for s.State() == Running {
		s.OnOk()
	}
	assert.Equal(t, []int{40, 42, 44}, rec.lineIndices())

	s, _, rec = newTestSender(Config{})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 5), 7))
	require.NoError(t, s.Start())
	for s.State() == Running {
		s.OnOk()
	}
	assert.Equal(t, []int{7, 8, 9, 10, 11}, rec.lineIndices())
}

func TestSender_PrependedLinesNotReported(t *testing.T) {
	s, ft, rec := newTestSender(Config{})
	job := NewJob([]string{"G1 X1", "G1 X2"}, 10)
	job.Prepend([]string{"G21", "G0 Z5"})
	require.NoError(t, s.Load(job))
	require.NoError(t, s.Start())
	for s.State() == Running {
		s.OnOk()
	}
	assert.Equal(t, []string{"G21", "G0 Z5", "G1 X1", "G1 X2"}, ft.Lines())
	assert.Equal(t, []int{10, 11}, rec.lineIndices())
}

func TestSender_ErrorAbortsJob(t *testing.T) {
	s, ft, rec := newTestSender(Config{BufferSize: 18})
	require.NoError(t, s.LoadJob([]string{"G1 X1", "G1 X2", "G1 X3", "G1 X4", "G1 X5"}, 0))
	require.NoError(t, s.Start())
	require.Equal(t, 3, s.InFlight())

	s.OnError(1, "error:1")

	assert.Equal(t, 0, s.InFlight())
	assert.Equal(t, 0, s.InFlightBytes())
	assert.Equal(t, Failed, s.State())
	assert.Len(t, ft.Lines(), 3)

	ce := eventsOf[CommandError](rec)
	require.Len(t, ce, 1)
	assert.Equal(t, 1, ce[0].Code)
	assert.Equal(t, "G1 X1", ce[0].Command)
	assert.Equal(t, grbl.ErrorDescription(1), ce[0].Message)

	jc := eventsOf[JobCompleted](rec)
	require.Len(t, jc, 1)
	assert.False(t, jc[0].Success)
	var pe *ProtocolError
	require.ErrorAs(t, jc[0].Err, &pe)
	assert.Equal(t, 1, pe.Code)
	assert.False(t, pe.Alarm)

	// late acknowledgments and duplicate errors are ignored
	s.OnOk()
	s.OnError(1, "error:1")
	assert.Len(t, eventsOf[JobCompleted](rec), 1)
	assert.Len(t, eventsOf[CommandError](rec), 1)
	assert.Empty(t, rec.lineIndices())
}

func TestSender_ContinueOnError(t *testing.T) {
	s, ft, rec := newTestSender(Config{BufferSize: 18, ErrorPolicy: ContinueOnError})
	require.NoError(t, s.LoadJob([]string{"G1 X1", "G1 X2", "G1 X3", "G1 X4"}, 0))
	require.NoError(t, s.Start())

	s.OnOk()
	s.OnError(20, "error:20")
	assert.Equal(t, Running, s.State())
	assert.Len(t, ft.Lines(), 4)
	for s.State() == Running {
		s.OnOk()
	}

	assert.Equal(t, []int{0, 2, 3}, rec.lineIndices())
	ce := eventsOf[CommandError](rec)
	require.Len(t, ce, 1)
	assert.Equal(t, "G1 X2", ce[0].Command)
	jc := eventsOf[JobCompleted](rec)
	require.Len(t, jc, 1)
	assert.True(t, jc[0].Success)
	assert.Equal(t, 1, jc[0].Stats.Errors)
}

func TestSender_Alarm(t *testing.T) {
	s, _, rec := newTestSender(Config{})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 3), 0))
	require.NoError(t, s.Start())
	require.NoError(t, s.Pause())

	s.OnAlarm(2, "ALARM:2")
	assert.Equal(t, Failed, s.State())
	assert.Equal(t, 0, s.InFlight())

	rh := eventsOf[RehomeRequired](rec)
	require.Len(t, rh, 1)
	assert.Equal(t, 2, rh[0].Code)
	ce := eventsOf[CommandError](rec)
	require.Len(t, ce, 1)
	assert.True(t, ce[0].Alarm)
	jc := eventsOf[JobCompleted](rec)
	require.Len(t, jc, 1)
	assert.False(t, jc[0].Success)

	// with no job, an alarm only asks for a re-home
	s.OnAlarm(1, "ALARM:1")
	assert.Len(t, eventsOf[RehomeRequired](rec), 2)
	assert.Len(t, eventsOf[JobCompleted](rec), 1)
}

func TestSender_PauseResume(t *testing.T) {
	s, ft, rec := newTestSender(Config{BufferSize: 12})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 4), 0))
	require.NoError(t, s.Start())
	require.Len(t, ft.Lines(), 2)

	require.NoError(t, s.Pause())
	assert.True(t, s.Paused())
	assert.ErrorIs(t, s.Pause(), ErrNotRunning)

	// oks still complete lines but nothing new is sent
	s.OnOk()
	s.OnOk()
	assert.Equal(t, []int{0, 1}, rec.lineIndices())
	assert.Len(t, ft.Lines(), 2)
	assert.Equal(t, 0, s.InFlight())

	require.NoError(t, s.Resume())
	assert.Equal(t, []byte{grbl.FeedHold, grbl.CycleStart}, ft.Raw())
	assert.Len(t, ft.Lines(), 4)
	assert.ErrorIs(t, s.Resume(), ErrNotPaused)

	s.OnOk()
	s.OnOk()
	assert.Equal(t, Completed, s.State())

	states := eventsOf[StateChanged](rec)
	assert.Equal(t, []StateChanged{
		{Idle, Running},
		{Running, Paused},
		{Paused, Running},
		{Running, Completed},
	}, states)
}

func TestSender_ResumeWithLinesInFlight(t *testing.T) {
	s, ft, _ := newTestSender(Config{BufferSize: 12})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 4), 0))
	require.NoError(t, s.Start())
	require.NoError(t, s.Pause())
	require.NoError(t, s.Resume())

	// the send loop waits for the next ok
	assert.Len(t, ft.Lines(), 2)
	s.OnOk()
	assert.Len(t, ft.Lines(), 3)
}

func TestSender_ResumeNothingLeft(t *testing.T) {
	s, ft, rec := newTestSender(Config{})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 2), 0))
	require.NoError(t, s.Start())
	require.NoError(t, s.Pause())
	s.OnOk()
	s.OnOk()

	assert.ErrorIs(t, s.Resume(), ErrNothingToResume)
	assert.Equal(t, []byte{grbl.FeedHold, grbl.CycleStart}, ft.Raw())
	assert.Equal(t, Completed, s.State())
	jc := eventsOf[JobCompleted](rec)
	require.Len(t, jc, 1)
	assert.True(t, jc[0].Success)
}

func TestSender_Stop(t *testing.T) {
	st := &fakeStatus{states: []string{"Idle"}}
	s, ft, rec := newTestSender(Config{Status: st, BufferSize: 18})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 10), 0))
	require.NoError(t, s.Start())

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, Idle, s.State())
	assert.Equal(t, 0, s.InFlight())
	assert.Equal(t, []byte{grbl.FeedHold, grbl.JogCancel, grbl.SoftReset, grbl.StatusQuery}, ft.Raw())
	assert.Equal(t, 1, ft.clears)

	jc := eventsOf[JobCompleted](rec)
	require.Len(t, jc, 1)
	assert.False(t, jc[0].Success)
	assert.Equal(t, "cancelled", jc[0].Reason)
	assert.ErrorIs(t, jc[0].Err, ErrCancelled)

	assert.Equal(t, []StateChanged{
		{Idle, Running},
		{Running, Stopping},
		{Stopping, Idle},
	}, eventsOf[StateChanged](rec))

	// a late ok has nothing to complete
	s.OnOk()
	assert.Empty(t, rec.lineIndices())
}

func TestSender_StopSequence(t *testing.T) {
	st := &fakeStatus{states: []string{"Hold:0", "Idle"}}
	s, ft, _ := newTestSender(Config{Status: st, FlushOnStop: true})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 3), 0))
	require.NoError(t, s.Start())
	require.NoError(t, s.Pause())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []byte{
		grbl.FeedHold,
		grbl.FeedHold, grbl.QueueFlush, grbl.JogCancel, grbl.SoftReset,
		grbl.StatusQuery, grbl.CycleStart,
		grbl.StatusQuery,
	}, ft.Raw())
}

func TestSender_StopPollLimit(t *testing.T) {
	st := &fakeStatus{states: []string{"Run"}}
	s, ft, rec := newTestSender(Config{Status: st, StopPollAttempts: 3})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 3), 0))
	require.NoError(t, s.Start())

	require.NoError(t, s.Stop(context.Background()))
	var polls int
	for _, b := range ft.Raw() {
		if b == grbl.StatusQuery {
			polls++
		}
	}
	assert.Equal(t, 3, polls)
	assert.Equal(t, Idle, s.State())
	assert.Len(t, eventsOf[JobCompleted](rec), 1)
}

func TestSender_StopCancelled(t *testing.T) {
	s, _, rec := newTestSender(Config{Status: &fakeStatus{states: []string{"Run"}}, StopSettle: time.Hour})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 3), 0))
	require.NoError(t, s.Start())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.Canceled)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, 0, s.InFlight())
	assert.Len(t, eventsOf[JobCompleted](rec), 1)
}

func TestSender_StopSuppressesErrors(t *testing.T) {
	st := &fakeStatus{states: []string{"Idle"}}
	s, _, rec := newTestSender(Config{Status: st})
	st.onPoll = func() {
		s.OnError(9, "error:9")
		s.OnAlarm(3, "ALARM:3")
		s.OnReset()
	}
	require.NoError(t, s.LoadJob(repeat("G1 X1", 3), 0))
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop(context.Background()))

	assert.Empty(t, eventsOf[CommandError](rec))
	assert.Empty(t, eventsOf[RehomeRequired](rec))
	jc := eventsOf[JobCompleted](rec)
	require.Len(t, jc, 1)
	assert.Equal(t, "cancelled", jc[0].Reason)
}

func TestSender_WriteFailure(t *testing.T) {
	s, ft, rec := newTestSender(Config{})
	ft.failOn = "G1 X2"
	require.NoError(t, s.LoadJob([]string{"G1 X1", "G1 X2", "G1 X3"}, 0))
	require.NoError(t, s.Start())

	assert.Equal(t, Failed, s.State())
	assert.Equal(t, 0, s.InFlight())
	assert.Equal(t, []string{"G1 X1"}, ft.Lines())
	jc := eventsOf[JobCompleted](rec)
	require.Len(t, jc, 1)
	assert.ErrorIs(t, jc[0].Err, ErrWriteFailed)
	assert.Equal(t, 1, jc[0].Stats.Sent)
}

func TestSender_ControllerReset(t *testing.T) {
	s, _, rec := newTestSender(Config{})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 3), 0))
	require.NoError(t, s.Start())

	s.OnReset()
	assert.Equal(t, Failed, s.State())
	jc := eventsOf[JobCompleted](rec)
	require.Len(t, jc, 1)
	assert.ErrorIs(t, jc[0].Err, ErrControllerReset)
}

func TestSender_StartPreconditions(t *testing.T) {
	s, ft, _ := newTestSender(Config{})
	require.NoError(t, s.Start())
	assert.Equal(t, Idle, s.State())

	require.NoError(t, s.LoadJob([]string{"", "; only comments"}, 0))
	require.NoError(t, s.Start())
	assert.Equal(t, Idle, s.State())

	require.NoError(t, s.LoadJob([]string{"G0 X1"}, 0))
	ft.disconnected = true
	assert.ErrorIs(t, s.Start(), ErrNotConnected)
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, ft.Lines())

	ft.disconnected = false
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.LoadJob([]string{"G0 X2"}, 0), ErrJobActive)
	assert.ErrorIs(t, s.Start(), ErrJobActive)
}

func TestSender_LineTooLong(t *testing.T) {
	s, _, _ := newTestSender(Config{BufferSize: 10})
	err := s.LoadJob([]string{"G0 X1", "G1 X100 Y100"}, 0)
	assert.ErrorIs(t, err, ErrLineTooLong)

	// exactly full is allowed
	require.NoError(t, s.LoadJob([]string{"G1 X1 Y10"}, 0))
}

func TestSender_ReloadAfterCompletion(t *testing.T) {
	s, ft, rec := newTestSender(Config{})
	require.NoError(t, s.LoadJob([]string{"G0 X1"}, 0))
	require.NoError(t, s.Start())
	s.OnOk()
	require.Equal(t, Completed, s.State())

	require.NoError(t, s.LoadJob([]string{"G0 X2"}, 0))
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, 0, s.Stats().Completed)
	require.NoError(t, s.Start())
	s.OnOk()
	assert.Equal(t, []string{"G0 X1", "G0 X2"}, ft.Lines())
	assert.Len(t, eventsOf[JobCompleted](rec), 2)
}

func TestSender_ReentrantOk(t *testing.T) {
	s, ft, rec := newTestSender(Config{BufferSize: 20})
	var maxInFlight int
	ft.onWrite = func(string) {
		// the controller acknowledges before WriteLine returns
		if n := s.InFlightBytes(); n > maxInFlight {
			maxInFlight = n
		}
		s.OnOk()
	}
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = fmt.Sprintf("G1 X%d", i)
	}
	require.NoError(t, s.LoadJob(lines, 0))
	require.NoError(t, s.Start())

	assert.Equal(t, Completed, s.State())
	assert.Equal(t, lines, ft.Lines())
	assert.LessOrEqual(t, maxInFlight, 20)

	idx := rec.lineIndices()
	require.Len(t, idx, 100)
	for i, n := range idx {
		assert.Equal(t, i, n)
	}
}

func TestSender_ConcurrentOks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const size = 40
	s, ft, rec := newTestSender(Config{BufferSize: size, ProgressInterval: time.Millisecond})
	var mx sync.Mutex
	var maxInFlight int
	var wg sync.WaitGroup
	ft.onWrite = func(string) {
		mx.Lock()
		if n := s.InFlightBytes(); n > maxInFlight {
			maxInFlight = n
		}
		mx.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.OnOk()
		}()
	}

	lines := make([]string, 500)
	for i := range lines {
		lines[i] = fmt.Sprintf("G1 X%d Y%d", i%7, i%13)
	}
	require.NoError(t, s.LoadJob(lines, 0))
	require.NoError(t, s.Start())

	jc := rec.wait(t)
	wg.Wait()
	assert.True(t, jc.Success)
	assert.Equal(t, 500, jc.Stats.Completed)
	assert.LessOrEqual(t, maxInFlight, size)
	assert.Len(t, ft.Lines(), 500)

	idx := rec.lineIndices()
	require.Len(t, idx, 500)
	for i := 1; i < len(idx); i++ {
		assert.Less(t, idx[i-1], idx[i])
	}
}

func TestSender_Progress(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	progress := make(chan Stats, 1)
	ft := &fakeTransport{}
	s := New(Config{
		Transport:        ft,
		ProgressInterval: time.Millisecond,
		StopSettle:       time.Millisecond,
		OnEvent: func(e any) {
			if p, ok := e.(ProgressUpdated); ok {
				select {
				case progress <- p.Stats:
				default:
				}
			}
		},
	})
	require.NoError(t, s.LoadJob(repeat("G1 X1", 4), 0))
	require.NoError(t, s.Start())
	s.OnOk()

	select {
	case st := <-progress:
		assert.Equal(t, 4, st.Total)
		assert.False(t, st.Start.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no progress update")
	}

	require.NoError(t, s.Stop(context.Background()))
}
