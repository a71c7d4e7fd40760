// Package metrics provides Prometheus metrics for the sender and the
// controller state.
package metrics

import (
	"strconv"

	"github.com/mastercactapus/gcstream/machine/grbl"
	"github.com/mastercactapus/gcstream/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sender is the part of stream.Sender read by the gauges.
type Sender interface {
	InFlightBytes() int
	InFlight() int
	BufferSize() int
}

// Metrics are updated from machine events by Observe.
type Metrics struct {
	LinesCompleted prometheus.Counter
	JobsTotal      *prometheus.CounterVec
	CommandErrors  *prometheus.CounterVec
	StateChanges   *prometheus.CounterVec
	StatusReports  prometheus.Counter
	ProbesTotal    *prometheus.CounterVec
	JobProgress    prometheus.Gauge
	Feed           prometheus.Gauge
	SpindleSpeed   prometheus.Gauge
}

// New registers the collectors with reg. The in-flight gauges read s on
// every scrape.
func New(reg prometheus.Registerer, s Sender) *Metrics {
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gcstream_inflight_bytes",
		Help: "Bytes sent to the controller and not yet acknowledged.",
	}, func() float64 { return float64(s.InFlightBytes()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gcstream_inflight_lines",
		Help: "Lines sent to the controller and not yet acknowledged.",
	}, func() float64 { return float64(s.InFlight()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gcstream_buffer_size_bytes",
		Help: "Effective controller receive buffer the sender fills.",
	}, func() float64 { return float64(s.BufferSize()) })

	return &Metrics{
		LinesCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "gcstream_lines_completed_total",
			Help: "Total number of program lines acknowledged by the controller.",
		}),
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gcstream_jobs_total",
			Help: "Total number of finished jobs, by result.",
		}, []string{"result"}),
		CommandErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gcstream_command_errors_total",
			Help: "Total number of error and alarm responses, by kind and code.",
		}, []string{"kind", "code"}),
		StateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gcstream_machine_state_changes_total",
			Help: "Total number of controller state changes, by new state.",
		}, []string{"state"}),
		StatusReports: f.NewCounter(prometheus.CounterOpts{
			Name: "gcstream_status_reports_total",
			Help: "Total number of status reports parsed.",
		}),
		ProbesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gcstream_probes_total",
			Help: "Total number of probe reports, by outcome.",
		}, []string{"outcome"}),
		JobProgress: f.NewGauge(prometheus.GaugeOpts{
			Name: "gcstream_job_progress_percent",
			Help: "Completed share of the current job.",
		}),
		Feed: f.NewGauge(prometheus.GaugeOpts{
			Name: "gcstream_feed_rate",
			Help: "Current feed rate reported by the controller.",
		}),
		SpindleSpeed: f.NewGauge(prometheus.GaugeOpts{
			Name: "gcstream_spindle_speed",
			Help: "Current spindle speed reported by the controller.",
		}),
	}
}

// Observe updates the metrics for one machine event.
func (m *Metrics) Observe(e any) {
	switch e := e.(type) {
	case stream.LineCompleted:
		m.LinesCompleted.Inc()
	case stream.ProgressUpdated:
		m.JobProgress.Set(e.Stats.Progress())
	case stream.JobCompleted:
		result := "failed"
		switch {
		case e.Success:
			result = "completed"
		case e.Reason == "cancelled":
			result = "cancelled"
		}
		m.JobsTotal.WithLabelValues(result).Inc()
		m.JobProgress.Set(e.Stats.Progress())
	case stream.CommandError:
		kind := "error"
		if e.Alarm {
			kind = "alarm"
		}
		m.CommandErrors.WithLabelValues(kind, strconv.Itoa(e.Code)).Inc()
	case grbl.MachineStateChanged:
		m.StateChanges.WithLabelValues(grbl.BaseState(e.To)).Inc()
	case grbl.MachineStatusChanged:
		m.StatusReports.Inc()
		m.Feed.Set(e.Status.Feed)
		m.SpindleSpeed.Set(e.Status.SpindleSpeed)
	case grbl.ProbeCompleted:
		outcome := "miss"
		if e.Result.Valid {
			outcome = "contact"
		}
		m.ProbesTotal.WithLabelValues(outcome).Inc()
	}
}
