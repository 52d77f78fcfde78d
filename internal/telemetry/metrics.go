// Package telemetry collects run metrics for a registration or transform
// application and writes them in the Prometheus text format, suitable for
// the node exporter's textfile collector.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"volreg/pkg/registration"
)

// Metrics provides observability for one pipeline run.
type Metrics struct {
	registry *prometheus.Registry

	// Optimizer iterations by pyramid level
	Iterations *prometheus.CounterVec

	// Latest metric value by pyramid level
	LevelMetric *prometheus.GaugeVec

	// Metric before and after registration
	RegistrationMetric *prometheus.GaugeVec

	// Duration of pipeline stages
	StageDuration *prometheus.GaugeVec

	// Finished runs by flow and outcome
	Runs *prometheus.CounterVec

	// Unix time the run finished
	LastRun prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Iterations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "volreg_registration_iterations_total",
			Help: "Optimizer iterations by pyramid level",
		}, []string{"level"}),
		LevelMetric: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "volreg_registration_level_metric",
			Help: "Mean squared difference at the end of the latest iteration of a level",
		}, []string{"level"}),
		RegistrationMetric: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "volreg_registration_metric",
			Help: "Mean squared difference at the seed (initial) and the result (final)",
		}, []string{"stage"}), // stage: "initial", "final"
		StageDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "volreg_stage_duration_seconds",
			Help: "Wall time of pipeline stages",
		}, []string{"stage"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "volreg_runs_total",
			Help: "Pipeline runs by flow and outcome",
		}, []string{"flow", "outcome"}),
		LastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "volreg_last_run_timestamp_seconds",
			Help: "Unix time at which the last run finished",
		}),
	}
}

// Observe implements registration.Observer.
func (m *Metrics) Observe(rec registration.IterationRecord) {
	if m == nil {
		return
	}
	level := strconv.Itoa(rec.Level)
	m.Iterations.WithLabelValues(level).Inc()
	m.LevelMetric.WithLabelValues(level).Set(rec.Metric)
}

// ObserveResult records the initial and final metric of a registration.
func (m *Metrics) ObserveResult(res *registration.Result) {
	if m != nil && res != nil {
		m.RegistrationMetric.WithLabelValues("initial").Set(res.InitialMetric)
		m.RegistrationMetric.WithLabelValues("final").Set(res.FinalMetric)
	}
}

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage).Set(d.Seconds())
	}
}

// Finish records the outcome of a run.
func (m *Metrics) Finish(flow string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.Runs.WithLabelValues(flow, outcome).Inc()
	m.LastRun.SetToCurrentTime()
}

// WriteFile writes all metrics to path in the Prometheus text format. The
// file is replaced atomically.
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
