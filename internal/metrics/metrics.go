package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 服务指标
type Metrics struct {
	Registry *prometheus.Registry

	EventsReceived  *prometheus.CounterVec // result: stored|discarded|no_metadata|error
	ProcessRuns     *prometheus.CounterVec // source, result
	PlateQueries    *prometheus.CounterVec // result: success|failure
	KeyHandshakes   *prometheus.CounterVec // step, result
	ProcessDuration prometheus.Histogram
	Processing      prometheus.Gauge
}

// New 创建并注册指标，每个实例使用独立的 registry
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anpr",
			Name:      "events_received_total",
			Help:      "Camera notifications received, by outcome.",
		}, []string{"result"}),
		ProcessRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anpr",
			Name:      "process_runs_total",
			Help:      "Processing runs, by trigger source and outcome.",
		}, []string{"source", "result"}),
		PlateQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anpr",
			Name:      "plate_queries_total",
			Help:      "Registry queries per plate, by outcome.",
		}, []string{"result"}),
		KeyHandshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anpr",
			Name:      "key_handshakes_total",
			Help:      "Key generation and validation calls, by outcome.",
		}, []string{"step", "result"}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "anpr",
			Name:      "process_duration_seconds",
			Help:      "Duration of processing runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		Processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anpr",
			Name:      "processing",
			Help:      "1 while a processing run is active.",
		}),
	}

	m.Registry.MustRegister(
		m.EventsReceived,
		m.ProcessRuns,
		m.PlateQueries,
		m.KeyHandshakes,
		m.ProcessDuration,
		m.Processing,
	)
	return m
}

// Result 把 error 转换成标签值
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
