// Package metrics exports executor lifecycle events as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/conveyor/pkg/api"
)

// PrometheusObserver is an api.Observer that counts runs, state outcomes
// and interrupts.
type PrometheusObserver struct {
	runsStarted   prometheus.Counter
	runs          *prometheus.CounterVec
	states        *prometheus.CounterVec
	stateDuration *prometheus.HistogramVec
	interrupts    *prometheus.CounterVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the conveyor metrics on reg. A nil reg
// uses the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		runsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_runs_started_total",
			Help: "Runs queued for execution.",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_runs_total",
			Help: "Runs ended, by final status.",
		}, []string{"status"}),
		states: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_states_total",
			Help: "State outcomes, by state type and status.",
		}, []string{"state_type", "status"}),
		stateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_state_duration_seconds",
			Help:    "Time from state start to its reported outcome.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 60, 300, 1800, 3600},
		}, []string{"state_type"}),
		interrupts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_interrupts_total",
			Help: "Interrupts applied, by type.",
		}, []string{"type"}),
	}
}

func (o *PrometheusObserver) OnRunStarted(ctx context.Context, inst *api.StateExecutionInstance) {
	o.runsStarted.Inc()
}

func (o *PrometheusObserver) OnRunEnded(ctx context.Context, inst *api.StateExecutionInstance, status api.ExecutionStatus) {
	o.runs.WithLabelValues(string(status)).Inc()
}

func (o *PrometheusObserver) OnStateStarted(ctx context.Context, inst *api.StateExecutionInstance) {}

func (o *PrometheusObserver) OnStateCompleted(ctx context.Context, inst *api.StateExecutionInstance, status api.ExecutionStatus, d time.Duration) {
	o.states.WithLabelValues(inst.StateType, string(status)).Inc()
	o.stateDuration.WithLabelValues(inst.StateType).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnInterrupt(ctx context.Context, in *api.Interrupt, affected int) {
	o.interrupts.WithLabelValues(string(in.Type)).Inc()
}
