// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "blinkshop"

// Metrics holds the checkout collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	txSubmissions       *prometheus.CounterVec
	confirmationSeconds prometheus.Histogram
	sendRetries         prometheus.Counter
	paymentsRecorded    *prometheus.CounterVec
	settlementOutcomes  *prometheus.CounterVec
	settlementCalls     *prometheus.HistogramVec
	listings            prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		txSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_submissions_total",
			Help:      "Transaction submissions by outcome",
		}, []string{"outcome"}),
		confirmationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_confirmation_duration_seconds",
			Help:      "Time from send to confirmation",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		sendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_send_retries_total",
			Help:      "Transaction send attempts that were retried",
		}),
		paymentsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_recorded_total",
			Help:      "Confirmed payments recorded in the ledger",
		}, []string{"token"}),
		settlementOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_outcomes_total",
			Help:      "Settlement attempts by final state",
		}, []string{"state", "degraded"}),
		settlementCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_call_duration_seconds",
			Help:      "Settlement network call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		listings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listings",
			Help:      "Listings currently stored",
		}),
	}

	reg.MustRegister(
		m.txSubmissions,
		m.confirmationSeconds,
		m.sendRetries,
		m.paymentsRecorded,
		m.settlementOutcomes,
		m.settlementCalls,
		m.listings,
	)
	return m
}

// TxSubmitted counts a finished submission. outcome is confirmed, rejected, timeout or failed.
func (m *Metrics) TxSubmitted(outcome string) {
	if m == nil {
		return
	}
	m.txSubmissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveConfirmation(start time.Time) {
	if m == nil {
		return
	}
	m.confirmationSeconds.Observe(time.Since(start).Seconds())
}

func (m *Metrics) SendRetried() {
	if m == nil {
		return
	}
	m.sendRetries.Inc()
}

func (m *Metrics) PaymentRecorded(token string) {
	if m == nil {
		return
	}
	m.paymentsRecorded.WithLabelValues(token).Inc()
}

func (m *Metrics) SettlementFinished(state string, degraded bool) {
	if m == nil {
		return
	}
	d := "false"
	if degraded {
		d = "true"
	}
	m.settlementOutcomes.WithLabelValues(state, d).Inc()
}

// MeasureSettlementCall wraps f and records its latency under operation.
func (m *Metrics) MeasureSettlementCall(operation string, f func() error) error {
	start := time.Now()
	err := f()
	if m == nil {
		return err
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.settlementCalls.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
	return err
}

func (m *Metrics) ListingsChanged(delta float64) {
	if m == nil {
		return
	}
	m.listings.Add(delta)
}

// SetListings resets the listings gauge to a counted total.
func (m *Metrics) SetListings(n int) {
	if m == nil {
		return
	}
	m.listings.Set(float64(n))
}
