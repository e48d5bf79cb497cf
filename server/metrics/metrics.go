package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	errs "jsonrpcmux/server/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a server
type Metrics struct {
	Registry *prometheus.Registry

	BatchesAdmitted   *prometheus.CounterVec
	BatchesRejected   *prometheus.CounterVec
	BatchesCompleted  *prometheus.CounterVec
	BatchesAborted    *prometheus.CounterVec
	BatchSize         *prometheus.HistogramVec
	BatchDuration     *prometheus.HistogramVec
	DispatchTotal     *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	ActiveBatches     prometheus.Gauge
	AttachedChannels  prometheus.Gauge
	OpenChannels      *prometheus.GaugeVec
	PoolQueueDepth    prometheus.Gauge
	DispatcherUp      prometheus.Gauge
	WebsocketMessages *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      prometheus.Histogram
}

// New creates Prometheus metrics for a server on a fresh registry
func New(serverID string) *Metrics {
	labels := prometheus.Labels{"server_id": serverID}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		BatchesAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "jsonrpcmux_batches_admitted_total",
				Help:        "Batches accepted for processing",
				ConstLabels: labels,
			},
			[]string{"transport"},
		),
		BatchesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "jsonrpcmux_batches_rejected_total",
				Help:        "Batches refused before processing, by reason",
				ConstLabels: labels,
			},
			[]string{"transport", "reason"},
		),
		BatchesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "jsonrpcmux_batches_completed_total",
				Help:        "Batches answered after every request finished",
				ConstLabels: labels,
			},
			[]string{"transport"},
		),
		BatchesAborted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "jsonrpcmux_batches_aborted_total",
				Help:        "Batches terminated early, by reason",
				ConstLabels: labels,
			},
			[]string{"transport", "reason"},
		),
		BatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "jsonrpcmux_batch_size",
				Help:        "Number of messages in admitted batches",
				ConstLabels: labels,
				Buckets:     []float64{1, 2, 5, 10, 20, 50, 100},
			},
			[]string{"transport"},
		),
		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "jsonrpcmux_batch_duration_seconds",
				Help:        "Time from admission to completion",
				ConstLabels: labels,
				Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
			[]string{"transport"},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "jsonrpcmux_dispatch_total",
				Help:        "Single calls dispatched, by method and result code",
				ConstLabels: labels,
			},
			[]string{"method", "code"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "jsonrpcmux_dispatch_duration_seconds",
				Help:        "Latency of single dispatched calls",
				ConstLabels: labels,
				Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"method"},
		),
		ActiveBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "jsonrpcmux_active_batches",
			Help:        "Batches currently holding an admission slot",
			ConstLabels: labels,
		}),
		AttachedChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "jsonrpcmux_attached_websocket_channels",
			Help:        "WebSocket channels attached to the muxer (0 or 1)",
			ConstLabels: labels,
		}),
		OpenChannels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "jsonrpcmux_open_channels",
				Help:        "Delivery channels currently registered, by kind",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		PoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "jsonrpcmux_worker_pool_queue_depth",
			Help:        "Jobs waiting for a worker",
			ConstLabels: labels,
		}),
		DispatcherUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "jsonrpcmux_dispatcher_available",
			Help:        "1 when the dispatcher accepts calls",
			ConstLabels: labels,
		}),
		WebsocketMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "jsonrpcmux_websocket_messages_total",
				Help:        "Total WebSocket messages sent/received",
				ConstLabels: labels,
			},
			[]string{"direction"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "jsonrpcmux_http_requests_total",
				Help:        "Requests to the synchronous HTTP endpoint, by status code",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		HTTPDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "jsonrpcmux_http_request_duration_seconds",
			Help:        "Time from request receipt to answer on the HTTP endpoint",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BatchesAdmitted,
		m.BatchesRejected,
		m.BatchesCompleted,
		m.BatchesAborted,
		m.BatchSize,
		m.BatchDuration,
		m.DispatchTotal,
		m.DispatchDuration,
		m.ActiveBatches,
		m.AttachedChannels,
		m.OpenChannels,
		m.PoolQueueDepth,
		m.DispatcherUp,
		m.WebsocketMessages,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) BatchAdmitted(transport string, size int) {
	m.BatchesAdmitted.WithLabelValues(transport).Inc()
	m.BatchSize.WithLabelValues(transport).Observe(float64(size))
}

func (m *Metrics) BatchRejected(transport, reason string) {
	m.BatchesRejected.WithLabelValues(transport, reason).Inc()
}

func (m *Metrics) BatchCompleted(transport string, size int, duration time.Duration) {
	m.BatchesCompleted.WithLabelValues(transport).Inc()
	m.BatchDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

func (m *Metrics) BatchAborted(transport, reason string) {
	m.BatchesAborted.WithLabelValues(transport, reason).Inc()
}

// RequestDispatched records one call. Calls to unknown methods share the
// "unknown" label so that clients cannot grow the label set.
func (m *Metrics) RequestDispatched(method string, code int32, duration time.Duration) {
	if code == int32(errs.CodeMethodNotFound) || method == "" {
		method = "unknown"
	}
	m.DispatchTotal.WithLabelValues(method, strconv.Itoa(int(code))).Inc()
	m.DispatchDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) WebSocketMessage(direction string) {
	m.WebsocketMessages.WithLabelValues(direction).Inc()
}

func (m *Metrics) HTTPRequestFinished(status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	m.HTTPDuration.Observe(duration.Seconds())
}

// ServerInfo provides server state for health/metrics reporting
type ServerInfo interface {
	ServerID() string
	StartTime() time.Time
	ActiveBatches() int
	WebSocketAttached() bool
	DispatcherAvailable() bool
	QueuedJobs() int
	ChannelCounts() (sockets, callbacks int)
}

// HealthHandler returns a health check endpoint handler. It answers 503
// while the dispatcher is unavailable.
func HealthHandler(server ServerInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		available := server.DispatcherAvailable()
		if !available {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		health := map[string]interface{}{
			"status":               status,
			"server_id":            server.ServerID(),
			"uptime":               time.Since(server.StartTime()).String(),
			"active_batches":       server.ActiveBatches(),
			"websocket_attached":   server.WebSocketAttached(),
			"dispatcher_available": available,
			"queued_jobs":          server.QueuedJobs(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(health)
	}
}

// Update sets gauge metrics from server state
func (m *Metrics) Update(server ServerInfo) {
	m.ActiveBatches.Set(float64(server.ActiveBatches()))
	m.PoolQueueDepth.Set(float64(server.QueuedJobs()))

	attached := 0.0
	if server.WebSocketAttached() {
		attached = 1.0
	}
	m.AttachedChannels.Set(attached)

	up := 0.0
	if server.DispatcherAvailable() {
		up = 1.0
	}
	m.DispatcherUp.Set(up)

	sockets, callbacks := server.ChannelCounts()
	m.OpenChannels.WithLabelValues("websocket").Set(float64(sockets))
	m.OpenChannels.WithLabelValues("callback").Set(float64(callbacks))
}

// UpdateLoop periodically updates gauge metrics until ctx is done
func UpdateLoop(ctx context.Context, m *Metrics, server ServerInfo, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Update(server)
		}
	}
}
