package poller

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type pollMetrics struct {
	cycles         prometheus.Counter
	cyclesSkipped  prometheus.Counter
	mailboxesOK    prometheus.Counter
	mailboxErrors  prometheus.Counter
	reauthRequired prometheus.Counter
	cycleDuration  prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metrics     *pollMetrics
)

func globalPollMetrics() *pollMetrics {
	metricsOnce.Do(func() {
		metrics = &pollMetrics{
			cycles: promauto.NewCounter(prometheus.CounterOpts{
				Name: "mailbox_poll_cycles_total",
				Help: "Total number of completed poll cycles",
			}),
			cyclesSkipped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "mailbox_poll_cycles_skipped_total",
				Help: "Poll cycles skipped because the previous one was still running",
			}),
			mailboxesOK: promauto.NewCounter(prometheus.CounterOpts{
				Name: "mailbox_poll_success_total",
				Help: "Mailbox fetches that completed without error",
			}),
			mailboxErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "mailbox_poll_errors_total",
				Help: "Mailbox fetches that failed",
			}),
			reauthRequired: promauto.NewCounter(prometheus.CounterOpts{
				Name: "mailbox_poll_reauth_required_total",
				Help: "Mailbox fetches skipped because the OAuth grant was rejected",
			}),
			cycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "mailbox_poll_cycle_duration_seconds",
				Help:    "Wall time of a full poll cycle across all mailboxes",
				Buckets: prometheus.DefBuckets,
			}),
		}
	})
	return metrics
}
