package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks one federate session.
type Metrics struct {
	// Callback delivery
	CallbacksDelivered *prometheus.CounterVec
	CallbacksDropped   prometheus.Counter
	DrainDuration      prometheus.Histogram
	QueueDepth         prometheus.Gauge

	// Requests to the broker
	RequestsSent   *prometheus.CounterVec
	RequestsFailed *prometheus.CounterVec

	// Time management
	TimeGrants  prometheus.Counter
	CurrentTime prometheus.Gauge

	// Ownership
	OwnershipTransitions *prometheus.CounterVec

	// Regions
	RegionsCommitted prometheus.Counter
	RegionsLive      prometheus.Gauge

	// Save/restore
	SnapshotBytesSaved    prometheus.Counter
	SnapshotBytesRestored prometheus.Counter
	SnapshotFailures      *prometheus.CounterVec
}

// New creates and registers the session metrics. A nil registry uses the
// default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		CallbacksDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federate_callbacks_delivered_total",
			Help: "Callbacks delivered to the application, by kind",
		}, []string{"kind"}),
		CallbacksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "federate_callbacks_dropped_total",
			Help: "Callbacks that failed translation and were not delivered",
		}),
		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "federate_drain_duration_seconds",
			Help:    "Time spent in one callback drain",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "federate_callback_queue_depth",
			Help: "Callbacks waiting for delivery",
		}),

		RequestsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federate_requests_sent_total",
			Help: "Requests sent to the broker, by kind",
		}, []string{"kind"}),
		RequestsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federate_requests_failed_total",
			Help: "Requests the channel failed to send, by kind",
		}, []string{"kind"}),

		TimeGrants: f.NewCounter(prometheus.CounterOpts{
			Name: "federate_time_grants_total",
			Help: "Time advance grants received",
		}),
		CurrentTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "federate_logical_time",
			Help: "Current logical time of the federate",
		}),

		OwnershipTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federate_ownership_transitions_total",
			Help: "Attribute ownership transitions, by target state",
		}, []string{"state"}),

		RegionsCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "federate_regions_committed_total",
			Help: "Region modifications committed",
		}),
		RegionsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "federate_regions",
			Help: "Regions currently known to the federate",
		}),

		SnapshotBytesSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "federate_snapshot_bytes_saved_total",
			Help: "Encoded snapshot bytes written to the archive",
		}),
		SnapshotBytesRestored: f.NewCounter(prometheus.CounterOpts{
			Name: "federate_snapshot_bytes_restored_total",
			Help: "Encoded snapshot bytes restored from the archive",
		}),
		SnapshotFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federate_snapshot_failures_total",
			Help: "Failed saves and restores",
		}, []string{"op"}),
	}
}

// ObserveDrain records one drain that started at start. depth is the queue
// length left behind.
func (m *Metrics) ObserveDrain(start time.Time, depth int) {
	m.DrainDuration.Observe(time.Since(start).Seconds())
	m.QueueDepth.Set(float64(depth))
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics and /health/live on addr until the returned
// server is shut down.
func StartServer(addr string, g prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
