package client

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's collectors. A nil *Metrics records nothing, so every component
// takes one optionally.
type Metrics struct {
	// CommandsTotal counts commands sent, by command name and outcome.
	CommandsTotal *prometheus.CounterVec
	// TransportErrors counts connections lost to socket or protocol failures.
	TransportErrors prometheus.Counter
	// Reconnects counts commands resent on a fresh connection.
	Reconnects prometheus.Counter
	// PoolConnections is the number of live pooled connections.
	PoolConnections prometheus.Gauge
	// ScriptUploads counts SCRIPT LOAD calls made by the script registry.
	ScriptUploads prometheus.Counter
	// QueryDuration is the latency of compiled query runs.
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg; a nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redismap_commands_total",
				Help: "Total number of commands sent to the server",
			},
			[]string{"command", "status"},
		),
		TransportErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "redismap_transport_errors_total",
			Help: "Connections closed after a transport or protocol error",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "redismap_reconnects_total",
			Help: "Commands resent on a fresh connection",
		}),
		PoolConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "redismap_pool_connections",
			Help: "Live pooled connections",
		}),
		ScriptUploads: factory.NewCounter(prometheus.CounterOpts{
			Name: "redismap_script_uploads_total",
			Help: "Scripts uploaded with SCRIPT LOAD",
		}),
		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redismap_query_duration_seconds",
				Help:    "Compiled query latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "status"},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) commandDone(name string, err error) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(strings.ToLower(name), status(err)).Inc()
}

func (m *Metrics) transportError() {
	if m == nil {
		return
	}
	m.TransportErrors.Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) poolSize(n int) {
	if m == nil {
		return
	}
	m.PoolConnections.Set(float64(n))
}

func (m *Metrics) ScriptUploaded() {
	if m == nil {
		return
	}
	m.ScriptUploads.Inc()
}

func (m *Metrics) ObserveQuery(model string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(model, status(err)).Observe(time.Since(start).Seconds())
}
