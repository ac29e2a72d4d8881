package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Escrow command outcomes, result: ok, warning, rejected, error.
	EscrowCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_commands_total",
			Help: "Escrow commands by name and result",
		},
		[]string{"command", "result"},
	)

	// Payout amounts released, by bucket.
	ReleasedAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_released_amount_total",
			Help: "Smallest-unit amounts released per stakeholder bucket",
		},
		[]string{"currency", "bucket"},
	)

	// Ledger transfer latency.
	LedgerTransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_transfer_duration_seconds",
			Help:    "Ledger transfer call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"status"},
	)

	// Milestones waiting in Releasing.
	PendingReleases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrow_pending_releases",
			Help: "Milestones whose payout awaits ledger confirmation",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

func RecordCommand(command, result string) {
	EscrowCommands.WithLabelValues(command, result).Inc()
}

func RecordRelease(currency, bucket string, amount int64) {
	if amount <= 0 {
		return
	}
	ReleasedAmount.WithLabelValues(currency, bucket).Add(float64(amount))
}

func RecordLedgerTransfer(status string, duration time.Duration) {
	LedgerTransferDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
