// Package metrics exposes the sync server's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
)

const namespace = "pushsync"

// File outcomes.
const (
	OutcomeReceived = "received"
	OutcomeMismatch = "hash_mismatch"
	OutcomeError    = "error"
)

var (
	// Registry is a dedicated registry for every pushsync collector.
	Registry = prometheus.NewRegistry()

	// SessionsActive gauges connections currently being served.
	SessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently being served",
		},
	)

	// SessionsTotal counts accepted sessions.
	SessionsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions served",
		},
	)

	// RequestsTotal counts control requests by type.
	RequestsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of control requests by type",
		},
		[]string{"type"}, // time_sync | db_download | file_sync | close | unknown | invalid
	)

	// FilesTotal counts incoming files by outcome.
	FilesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Total number of incoming files by outcome",
		},
		[]string{"outcome"},
	)

	// BytesReceivedTotal accumulates raw file bytes written to the tree.
	BytesReceivedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Cumulative raw file bytes received from clients",
		},
	)

	// FileDuration measures backup, write and verify of one incoming file.
	FileDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_duration_ms",
			Help:      "Duration of receiving one file in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
	)

	// BackupsTotal counts pre-overwrite snapshots by outcome.
	BackupsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Total number of pre-overwrite snapshots",
		},
		[]string{"outcome"}, // created | error
	)

	// RegistryDownloadsTotal counts registry snapshots streamed to clients.
	RegistryDownloadsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_downloads_total",
			Help:      "Total number of registry downloads by outcome",
		},
		[]string{"outcome"}, // ok | error
	)

	// FilesTracked reports the registry size after the startup scan.
	FilesTracked = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "files_tracked",
			Help:      "Number of files in the server registry",
		},
	)

	// Up is a liveness gauge for the server.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the server is accepting connections",
		},
	)
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
}

// SessionStarted marks a new live session.
func SessionStarted() {
	SessionsTotal.Inc()
	SessionsActive.Inc()
}

// SessionEnded marks a session as finished.
func SessionEnded() {
	SessionsActive.Dec()
}

// ObserveRequest counts one control request.
func ObserveRequest(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	RequestsTotal.WithLabelValues(kind).Inc()
}

// ObserveFile records the outcome of one incoming file.
func ObserveFile(start time.Time, outcome string, bytes int64) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	FileDuration.Observe(elapsed)
	FilesTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		BytesReceivedTotal.Add(float64(bytes))
	}
}

// ObserveBackup counts one snapshot attempt.
func ObserveBackup(err error) {
	if err != nil {
		BackupsTotal.WithLabelValues("error").Inc()
		return
	}
	BackupsTotal.WithLabelValues("created").Inc()
}

// ObserveDownload counts one registry download.
func ObserveDownload(err error) {
	if err != nil {
		RegistryDownloadsTotal.WithLabelValues("error").Inc()
		return
	}
	RegistryDownloadsTotal.WithLabelValues("ok").Inc()
}

// SetFilesTracked reports the number of tracked files.
func SetFilesTracked(count int) {
	if count < 0 {
		count = 0
	}
	FilesTracked.Set(float64(count))
}

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve runs the /metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, log logging.Sink) error {
	if log == nil {
		log = logging.Get("server")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Info("metrics endpoint listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}
	return err
}
