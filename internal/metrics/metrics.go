// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "microcredit_relay"

var (
	// Registry holds the relay's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "path"},
	)

	relaySubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "meta",
			Name:      "submissions_total",
			Help:      "Meta-transactions relayed, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	relayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "meta",
			Name:      "submission_duration_seconds",
			Help:      "Time from request acceptance to confirmed receipt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"operation"},
	)

	relayGasUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "meta",
			Name:      "gas_used_total",
			Help:      "Gas paid by the relayer, by operation.",
		},
		[]string{"operation"},
	)

	relayerBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "balance_eth",
			Help:      "Relayer account balance in ether.",
		},
		[]string{"chain_id", "relayer"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		relaySubmissions,
		relayDuration,
		relayGasUsed,
		relayerBalance,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one handled HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncInFlight and DecInFlight track concurrent HTTP requests.
func IncInFlight() { httpInFlight.Inc() }

func DecInFlight() { httpInFlight.Dec() }

// RecordRelay records one relay attempt. outcome is "success", "reverted",
// "rejected" or "failed".
func RecordRelay(operation, outcome string, duration time.Duration, gasUsed uint64) {
	if operation == "" {
		operation = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	relaySubmissions.WithLabelValues(operation, outcome).Inc()
	relayDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if gasUsed > 0 {
		relayGasUsed.WithLabelValues(operation).Add(float64(gasUsed))
	}
}

// SetRelayerBalance exports the relayer balance (wei) as ether.
func SetRelayerBalance(chainID, relayer string, wei *big.Int) {
	if wei == nil {
		return
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	relayerBalance.WithLabelValues(chainID, strings.ToLower(relayer)).Set(eth)
}
