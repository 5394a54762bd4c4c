package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/chainstress/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the harness.
type PrometheusMetrics struct {
	OperationsTotal *prometheus.CounterVec
	RPCLatency      *prometheus.HistogramVec

	SuiteErrorRate    *prometheus.GaugeVec
	SuiteOpsPerSecond *prometheus.GaugeVec
	SuitePassed       *prometheus.GaugeVec

	RunStatus     *prometheus.GaugeVec
	ActiveWorkers prometheus.Gauge
}

// NewPrometheusMetrics creates and registers all metrics with reg
// (the default registerer when nil).
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainstress_operations_total",
				Help: "Attempted operations by suite, kind and outcome",
			},
			[]string{"suite", "kind", "outcome"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainstress_rpc_latency_seconds",
				Help:    "RPC call latency by method and outcome",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10},
			},
			[]string{"method", "outcome"},
		),

		SuiteErrorRate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainstress_suite_error_rate",
				Help: "Error rate of the last completed run of each suite",
			},
			[]string{"suite"},
		),

		SuiteOpsPerSecond: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainstress_suite_ops_per_second",
				Help: "Successful operations per second of the last completed run of each suite",
			},
			[]string{"suite"},
		),

		SuitePassed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainstress_suite_passed",
				Help: "1 if the last run of the suite passed, 0 otherwise",
			},
			[]string{"suite"},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainstress_run_status",
				Help: "Current run state (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainstress_active_workers",
				Help: "Workers currently running",
			},
		),
	}
}

// knownRPCMethods bounds the method label; anything else is reported as "other".
var knownRPCMethods = map[string]bool{
	"getblockchaininfo":     true,
	"getpeerinfo":           true,
	"getnetworkinfo":        true,
	"getmininginfo":         true,
	"getwalletinfo":         true,
	"getmemoryinfo":         true,
	"getrawmempool":         true,
	"listtransactions":      true,
	"getbalance":            true,
	"getnewaddress":         true,
	"sendtoaddress":         true,
	"submitmeasurement":     true,
	"getexchangerate":       true,
	"exchangecurrency":      true,
	"getcurrencies":         true,
	"getpowpobstats":        true,
	"getmeasurementstats":   true,
	"getstabilizationstats": true,
}

// ObserveRPC records one RPC call. Implements rpc.Observer.
func (m *PrometheusMetrics) ObserveRPC(method, outcome string, latency time.Duration) {
	if !knownRPCMethods[method] {
		method = "other"
	}
	m.RPCLatency.WithLabelValues(method, outcome).Observe(latency.Seconds())
}

// RecordSample counts one attempted operation.
func (m *PrometheusMetrics) RecordSample(s types.OperationSample) {
	outcome := "success"
	if !s.Success {
		outcome = s.FailureKind
		if outcome == "" {
			outcome = "error"
		}
	}
	m.OperationsTotal.WithLabelValues(string(s.Suite), string(s.Kind), outcome).Inc()
}

// RecordSuite publishes a finished suite's figures.
func (m *PrometheusMetrics) RecordSuite(e types.SuiteEntry) {
	suite := string(e.Suite)
	m.SuiteErrorRate.WithLabelValues(suite).Set(e.ErrorRate)
	m.SuiteOpsPerSecond.WithLabelValues(suite).Set(e.OperationsPerSecond)
	passed := 0.0
	if e.Passed {
		passed = 1
	}
	m.SuitePassed.WithLabelValues(suite).Set(passed)
}

// SetRunStatus marks state as the only active status.
func (m *PrometheusMetrics) SetRunStatus(state types.RunState) {
	for _, s := range []types.RunState{types.StateIdle, types.StateRunning, types.StateCompleted, types.StateStopped, types.StateError} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.RunStatus.WithLabelValues(string(s)).Set(v)
	}
}

// SetActiveWorkers updates the active worker gauge.
func (m *PrometheusMetrics) SetActiveWorkers(n float64) {
	m.ActiveWorkers.Set(n)
}

// Reset clears per-run series. Histograms stay cumulative.
func (m *PrometheusMetrics) Reset() {
	m.OperationsTotal.Reset()
	m.ActiveWorkers.Set(0)
	m.SetRunStatus(types.StateIdle)
}
