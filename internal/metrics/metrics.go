package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's collectors. Use New with a registry so tests
// can build independent instances.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	BootstrapRecords  *prometheus.CounterVec
	CheckIns          *prometheus.CounterVec
	AmbiguousMatches  prometheus.Counter
	CASRetries        prometheus.Counter
	CascadeRuns       *prometheus.CounterVec
	FaceVerifications *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "schoolops",
			Name:      "sessions_created_total",
			Help:      "Sessions created by the generator.",
		}),
		BootstrapRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolops",
			Name:      "bootstrap_records_total",
			Help:      "Attendance placeholders handled during bootstrap by outcome.",
		}, []string{"outcome"}),
		CheckIns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolops",
			Name:      "checkins_total",
			Help:      "Check-in events by reconciliation outcome.",
		}, []string{"outcome"}),
		AmbiguousMatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "schoolops",
			Name:      "checkin_ambiguous_matches_total",
			Help:      "Check-ins that matched more than one active session.",
		}),
		CASRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "schoolops",
			Name:      "attendance_cas_retries_total",
			Help:      "Compare-and-set retries on attendance updates.",
		}),
		CascadeRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolops",
			Name:      "cascade_runs_total",
			Help:      "Cascade runs by kind and final status.",
		}, []string{"kind", "status"}),
		FaceVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolops",
			Name:      "face_verifications_total",
			Help:      "Face check-ins processed by the worker by result.",
		}, []string{"result"}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "schoolops",
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent reconciling one check-in event.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Discard returns collectors registered nowhere.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
