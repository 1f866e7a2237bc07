package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Extractions counts origin page extractions by result (success, failure, suppressed).
var Extractions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hls_liberator_extractions_total",
	Help: "Origin page extractions by result",
}, []string{"result"})

// ExtractionDuration observes how long an origin page fetch and match takes.
var ExtractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "hls_liberator_extraction_duration_seconds",
	Help:    "Duration of origin page extractions",
	Buckets: prometheus.DefBuckets,
})

// CacheLookups counts manifest cache lookups. The "result" label is hit, miss or stale.
var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hls_liberator_cache_lookups_total",
	Help: "Manifest cache lookups by result",
}, []string{"result"})

// DegradedChannels is the number of channels currently served from a stale entry.
var DegradedChannels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "hls_liberator_degraded_channels",
	Help: "Channels whose last refresh failed",
})

// ManifestRequests counts rewritten manifest responses per channel and HTTP status.
var ManifestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hls_liberator_manifest_requests_total",
	Help: "Manifest requests by channel and status",
}, []string{"channel", "status"})

// BytesTransferred tracks bytes relayed downstream per channel.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hls_liberator_bytes_transferred_total",
	Help: "Total bytes relayed to clients",
}, []string{"channel"})

// RelayErrors counts segment relay failures. The "error_type" label is one of
// reference, capacity, origin or client.
var RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hls_liberator_relay_errors_total",
	Help: "Segment relay errors",
}, []string{"channel", "error_type"})

// ActiveRelays tracks in-flight segment relays per channel.
var ActiveRelays = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "hls_liberator_active_relays",
	Help: "Segment relays currently streaming",
}, []string{"channel"})
