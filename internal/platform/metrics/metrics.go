package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the verification workflow.
type Metrics struct {
	DocumentsUploaded    prometheus.Counter
	UploadsRejected      *prometheus.CounterVec
	AutoApprovals        prometheus.Counter
	ManualDecisions      *prometheus.CounterVec
	AppealsOpened        prometheus.Counter
	AppealsResolved      *prometheus.CounterVec
	VerificationsExpired prometheus.Counter
	MatchDuration        prometheus.Histogram
	MatchConfidence      prometheus.Histogram
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		DocumentsUploaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "matricula_documents_uploaded_total",
			Help: "Total number of identity documents accepted by ingestion",
		}),
		UploadsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matricula_uploads_rejected_total",
			Help: "Total number of uploads rejected, by error code",
		}, []string{"code"}),
		AutoApprovals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "matricula_auto_approvals_total",
			Help: "Total number of verifications approved by the matcher without human review",
		}),
		ManualDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matricula_manual_decisions_total",
			Help: "Total number of staff approve/reject decisions, by outcome",
		}, []string{"decision"}),
		AppealsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "matricula_appeals_opened_total",
			Help: "Total number of appeals opened against rejected or expired verifications",
		}),
		AppealsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matricula_appeals_resolved_total",
			Help: "Total number of appeals resolved, by outcome",
		}, []string{"outcome"}),
		VerificationsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "matricula_verifications_expired_total",
			Help: "Total number of verifications lazily or sweep-transitioned to expired",
		}),
		MatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "matricula_match_duration_seconds",
			Help:    "Wall time of one OCR extraction plus confidence match",
			Buckets: prometheus.DefBuckets,
		}),
		MatchConfidence: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "matricula_match_confidence",
			Help:    "Distribution of confidence scores produced by the matcher",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),
	}
}
