// Package metrics defines the Prometheus collectors for the outreach engine.
// A nil *Outreach is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outreach groups the engine's collectors.
type Outreach struct {
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	tasksClaimed     prometheus.Counter
	tasksReleased    prometheus.Counter
	enrollments      *prometheus.CounterVec
	exits            *prometheus.CounterVec
	aggregated       *prometheus.CounterVec
	watermark        prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Outreach {
	m := &Outreach{
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_dispatch_total",
				Help: "Dispatch attempts by channel and recorded outcome",
			},
			[]string{"channel", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_dispatch_duration_seconds",
				Help:    "Time spent in channel provider calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		tasksClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_tasks_claimed_total",
				Help: "Scheduled tasks claimed by this process",
			},
		),
		tasksReleased: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_tasks_released_total",
				Help: "Claimed tasks handed back because the lease could not fit a send",
			},
		),
		enrollments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_enrollments_total",
				Help: "Enrollment requests by result",
			},
			[]string{"result"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_enrollment_exits_total",
				Help: "Enrollments exited early by reason",
			},
			[]string{"reason"},
		),
		aggregated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_aggregator_events_total",
				Help: "Ledger events consumed by the aggregator",
			},
			[]string{"result"},
		),
		watermark: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_aggregator_watermark",
				Help: "Last ledger offset folded into aggregate buckets",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.dispatches, m.dispatchDuration, m.tasksClaimed, m.tasksReleased, m.enrollments,
			m.exits, m.aggregated, m.watermark)
	}
	return m
}

// ObserveDispatch records one provider call.
func (m *Outreach) ObserveDispatch(channel, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(channel, outcome).Inc()
	if took > 0 {
		m.dispatchDuration.WithLabelValues(channel).Observe(took.Seconds())
	}
}

// TasksClaimed adds n claimed tasks.
func (m *Outreach) TasksClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksClaimed.Add(float64(n))
}

// TaskReleased counts a claimed task handed back undispatched.
func (m *Outreach) TaskReleased() {
	if m == nil {
		return
	}
	m.tasksReleased.Inc()
}

// Enrollment counts an enrollment request by result (created, duplicate, rejected).
func (m *Outreach) Enrollment(result string) {
	if m == nil {
		return
	}
	m.enrollments.WithLabelValues(result).Inc()
}

// Exit counts an early exit.
func (m *Outreach) Exit(reason string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(reason).Inc()
}

// Aggregated counts consumed events by result (applied, skipped).
func (m *Outreach) Aggregated(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.aggregated.WithLabelValues(result).Add(float64(n))
}

// SetWatermark publishes the aggregator watermark.
func (m *Outreach) SetWatermark(seq int64) {
	if m == nil {
		return
	}
	m.watermark.Set(float64(seq))
}
