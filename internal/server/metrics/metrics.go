// Package metrics exposes Prometheus instruments for the store health,
// offline queue, connection arbitration and recognition dispatch.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Eviction reasons.
const (
	EvictReplaced   = "replaced"
	EvictInactive   = "inactive"
	EvictDisconnect = "disconnect"
	EvictDevice     = "device"
)

// Replay outcomes.
const (
	ReplayApplied   = "applied"
	ReplayDiscarded = "discarded"
	ReplayDeferred  = "deferred"
)

// Recognition outcomes.
const (
	RecognitionOK       = "ok"
	RecognitionFailed   = "failed"
	RecognitionTimeout  = "timeout"
	RecognitionRejected = "rejected"
)

var (
	namespace = "smartbin"

	storeOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "online",
			Help:      "1 while the persistent store is reachable",
		},
	)

	storeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "transitions_total",
			Help:      "Store availability transitions by new state",
		},
		[]string{"state"},
	)

	intentsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offline",
			Name:      "intents_queued_total",
			Help:      "Mutations accepted into the offline queue by intent type",
		},
		[]string{"type"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "offline",
			Name:      "queue_depth",
			Help:      "Intents waiting for replay",
		},
	)

	intentsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offline",
			Name:      "intents_replayed_total",
			Help:      "Replay attempts by intent type and outcome",
		},
		[]string{"type", "outcome"},
	)

	connectionEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "evictions_total",
			Help:      "Connection rows removed by reason",
		},
		[]string{"reason"},
	)

	recognitionJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recognition",
			Name:      "jobs_total",
			Help:      "Finished recognition jobs by outcome",
		},
		[]string{"outcome"},
	)

	recognitionInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recognition",
			Name:      "in_flight",
			Help:      "Recognition jobs currently holding a dispatch slot",
		},
	)

	recognitionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recognition",
			Name:      "duration_seconds",
			Help:      "Time from job start to completion",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 90},
		},
	)
)

// NewServer returns an HTTP server exposing /metrics on addr. The caller
// starts and stops it.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// SetStoreOnline publishes the availability state and counts the transition.
func SetStoreOnline(online bool) {
	if online {
		storeOnline.Set(1)
		storeTransitions.WithLabelValues("online").Inc()
		return
	}
	storeOnline.Set(0)
	storeTransitions.WithLabelValues("offline").Inc()
}

func IncIntentQueued(intentType string) {
	intentsQueued.WithLabelValues(intentType).Inc()
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func IncReplay(intentType, outcome string) {
	intentsReplayed.WithLabelValues(intentType, outcome).Inc()
}

func AddEvictions(reason string, n int) {
	if n <= 0 {
		return
	}
	connectionEvictions.WithLabelValues(reason).Add(float64(n))
}

// ObserveRecognition records a finished job.
func ObserveRecognition(outcome string, took time.Duration) {
	recognitionJobs.WithLabelValues(outcome).Inc()
	if outcome != RecognitionRejected {
		recognitionDuration.Observe(took.Seconds())
	}
}

func IncRecognitionInFlight() {
	recognitionInFlight.Inc()
}

func DecRecognitionInFlight() {
	recognitionInFlight.Dec()
}
