package stream

import (
	"sync/atomic"
	"time"
)

// Stats describe the progress of a job.
type Stats struct {
	Total     int
	Sent      int
	Completed int
	Errors    int

	Start time.Time
	End   time.Time
}

// Progress returns the completed percentage, 0-100.
func (s Stats) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) * 100 / float64(s.Total)
}

// Elapsed is the run time so far, or the total run time once the job ended.
func (s Stats) Elapsed(now time.Time) time.Duration {
	if s.Start.IsZero() {
		return 0
	}
	if !s.End.IsZero() {
		return s.End.Sub(s.Start)
	}
	return now.Sub(s.Start)
}

// Remaining estimates the time left from the average completion rate so far.
// It returns 0 when no estimate is possible.
func (s Stats) Remaining(now time.Time) time.Duration {
	if s.Completed == 0 || !s.End.IsZero() {
		return 0
	}
	left := s.Total - s.Completed
	if left <= 0 {
		return 0
	}
	per := s.Elapsed(now) / time.Duration(s.Completed)
	return per * time.Duration(left)
}

// counters hold the live stats. They are atomics so the progress ticker
// can read them without taking the sender lock.
type counters struct {
	total     atomic.Int64
	sent      atomic.Int64
	completed atomic.Int64
	errors    atomic.Int64
	start     atomic.Int64
	end       atomic.Int64
}

func (c *counters) reset(total int) {
	c.total.Store(int64(total))
	c.sent.Store(0)
	c.completed.Store(0)
	c.errors.Store(0)
	c.start.Store(0)
	c.end.Store(0)
}

func unixTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *counters) snapshot() Stats {
	return Stats{
		Total:     int(c.total.Load()),
		Sent:      int(c.sent.Load()),
		Completed: int(c.completed.Load()),
		Errors:    int(c.errors.Load()),
		Start:     unixTime(c.start.Load()),
		End:       unixTime(c.end.Load()),
	}
}
