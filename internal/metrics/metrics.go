// Package metrics exposes sync counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the sync engine collectors
type Metrics struct {
	ConnectAttempts    *prometheus.CounterVec
	MessagesReconciled *prometheus.CounterVec
	Operations         *prometheus.CounterVec
	AttachmentBytes    prometheus.Counter
	OperationLatency   *prometheus.HistogramVec
	QueuedOperations   *prometheus.GaugeVec
	UnseenMessages     *prometheus.GaugeVec
}

// New registers the collectors with reg. A nil reg creates unregistered
// collectors, used by tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_connect_attempts_total",
			Help: "IMAP connection attempts by result",
		}, []string{"result"}),
		MessagesReconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_messages_reconciled_total",
			Help: "Remote messages reconciled by outcome",
		}, []string{"result"}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_operations_total",
			Help: "Queued operations processed by kind and outcome",
		}, []string{"kind", "outcome"}),
		AttachmentBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_attachment_bytes_total",
			Help: "Attachment bytes downloaded",
		}),
		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailsync_operation_duration_seconds",
			Help:    "Time spent executing one queued operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		QueuedOperations: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailsync_queued_operations",
			Help: "Operations waiting per folder",
		}, []string{"folder"}),
		UnseenMessages: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailsync_unseen_messages",
			Help: "Unseen messages per folder",
		}, []string{"folder"}),
	}
}
