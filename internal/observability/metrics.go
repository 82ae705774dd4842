package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sensorsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	chunksIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorsync",
			Subsystem: "reassembly",
			Name:      "chunks_total",
			Help:      "Chunk arrivals by result.",
		},
		[]string{"result"},
	)
	manifestsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sensorsync",
			Subsystem: "reassembly",
			Name:      "manifests_total",
			Help:      "Manifest arrivals.",
		},
	)
	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorsync",
			Subsystem: "verify",
			Name:      "checks_total",
			Help:      "Chunk verifications by outcome.",
		},
		[]string{"passed"},
	)
	merges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorsync",
			Subsystem: "merge",
			Name:      "runs_total",
			Help:      "Merge attempts by result.",
		},
		[]string{"success"},
	)
	mergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sensorsync",
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Merge duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	retransmitOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorsync",
			Subsystem: "retransmit",
			Name:      "outcomes_total",
			Help:      "Retransmission coordinator outcomes.",
		},
		[]string{"outcome"},
	)
	decodedSamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorsync",
			Subsystem: "summary",
			Name:      "samples_total",
			Help:      "Samples consumed by the streaming summary decoder.",
		},
		[]string{"kind"},
	)
	persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sensorsync",
			Subsystem: "store",
			Name:      "persist_failures_total",
			Help:      "Record table writes that failed and were swallowed.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			chunksIngested, manifestsIngested,
			verifications, merges, mergeDuration,
			retransmitOutcomes, decodedSamples, persistFailures,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordChunk counts one chunk arrival: accepted, duplicate, failed or ignored.
func RecordChunk(result string) {
	RegisterMetrics()
	chunksIngested.WithLabelValues(result).Inc()
}

func RecordManifest() {
	RegisterMetrics()
	manifestsIngested.Inc()
}

func RecordVerification(passed bool) {
	RegisterMetrics()
	verifications.WithLabelValues(strconv.FormatBool(passed)).Inc()
}

func RecordMerge(success bool, duration time.Duration) {
	RegisterMetrics()
	merges.WithLabelValues(strconv.FormatBool(success)).Inc()
	mergeDuration.Observe(duration.Seconds())
}

func RecordRetransmitOutcome(outcome string) {
	RegisterMetrics()
	retransmitOutcomes.WithLabelValues(outcome).Inc()
}

func RecordDecodedSamples(kind string, n int) {
	RegisterMetrics()
	decodedSamples.WithLabelValues(kind).Add(float64(n))
}

func RecordPersistFailure() {
	RegisterMetrics()
	persistFailures.Inc()
}
