// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Feed metrics
	PriceFetches *prometheus.CounterVec
	PricesStale  prometheus.Gauge

	// Wallet metrics
	BalanceRefreshes       *prometheus.CounterVec
	BalanceRefreshDuration prometheus.Histogram

	// Handshake metrics
	PaymentsInitiated   *prometheus.CounterVec
	PaymentConfirmation *prometheus.CounterVec
	SellAttempts        *prometheus.CounterVec
	SIWEVerifications   *prometheus.CounterVec
	ReservationsPurged  prometheus.Counter

	// HTTP metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
// on the given registerer (the default registry when nil).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "instainr"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PriceFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prices",
			Name:      "fetches_total",
			Help:      "Total number of price fetches by result",
		}, []string{"result"}),
		PricesStale: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "prices",
			Name:      "stale",
			Help:      "1 when the served prices are the last good snapshot after a failed fetch",
		}),

		BalanceRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balances",
			Name:      "refreshes_total",
			Help:      "Total number of balance refresh cycles by result",
		}, []string{"result"}),
		BalanceRefreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "balances",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of a balance refresh cycle",
			Buckets:   prometheus.DefBuckets,
		}),

		PaymentsInitiated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "initiated_total",
			Help:      "Total number of payment reservations created by token",
		}, []string{"token"}),
		PaymentConfirmation: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "confirmations_total",
			Help:      "Total number of confirm-payment calls by outcome",
		}, []string{"outcome"}),
		SellAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "sell_attempts_total",
			Help:      "Total number of client sell attempts by final state",
		}, []string{"state"}),
		SIWEVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "siwe_verifications_total",
			Help:      "Total number of SIWE verifications by result",
		}, []string{"result"}),
		ReservationsPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "reservations_purged_total",
			Help:      "Total number of expired reservations removed",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by path and status code",
		}, []string{"path", "code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by path",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordPriceFetch records a price fetch and whether stale prices are served.
func RecordPriceFetch(err error, stale bool) {
	DefaultMetrics.PriceFetches.WithLabelValues(result(err)).Inc()
	if stale {
		DefaultMetrics.PricesStale.Set(1)
	} else {
		DefaultMetrics.PricesStale.Set(0)
	}
}

// RecordBalanceRefresh records a balance refresh cycle.
func RecordBalanceRefresh(d time.Duration, err error) {
	DefaultMetrics.BalanceRefreshes.WithLabelValues(result(err)).Inc()
	DefaultMetrics.BalanceRefreshDuration.Observe(d.Seconds())
}

// RecordPaymentInitiated increments the initiated counter for token.
func RecordPaymentInitiated(token string) {
	DefaultMetrics.PaymentsInitiated.WithLabelValues(token).Inc()
}

// RecordConfirmation records a confirm-payment outcome
// (settled, pending, not_found, error).
func RecordConfirmation(outcome string) {
	DefaultMetrics.PaymentConfirmation.WithLabelValues(outcome).Inc()
}

// RecordSellAttempt records the final state of a client sell.
func RecordSellAttempt(state string) {
	DefaultMetrics.SellAttempts.WithLabelValues(state).Inc()
}

// RecordSIWE records a SIWE verification result.
func RecordSIWE(valid bool) {
	if valid {
		DefaultMetrics.SIWEVerifications.WithLabelValues("valid").Inc()
		return
	}
	DefaultMetrics.SIWEVerifications.WithLabelValues("invalid").Inc()
}

// RecordReservationsPurged adds n purged reservations.
func RecordReservationsPurged(n int64) {
	DefaultMetrics.ReservationsPurged.Add(float64(n))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(path string, code int, d time.Duration) {
	DefaultMetrics.HTTPRequests.WithLabelValues(path, strconv.Itoa(code)).Inc()
	DefaultMetrics.HTTPRequestDuration.WithLabelValues(path).Observe(d.Seconds())
}
