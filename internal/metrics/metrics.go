package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	ConnectAttempts     *prometheus.CounterVec
	TokenRefreshes      *prometheus.CounterVec
	PipelineRuns        *prometheus.CounterVec
	EmailsProcessed     *prometheus.CounterVec
	ClassifierFallbacks prometheus.Counter
	CreditsConsumed     prometheus.Counter
	CreditsDenied       prometheus.Counter
	ProcessingTime      prometheus.Histogram
	SweepCustomers      prometheus.Gauge
	LastSweepTimestamp  prometheus.Gauge
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_mail_sorter_connect_attempts_total",
			Help: "OAuth connection completions by provider and result",
		}, []string{"provider", "result"}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_mail_sorter_token_refreshes_total",
			Help: "Access token refreshes by provider and result",
		}, []string{"provider", "result"}),
		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_mail_sorter_pipeline_runs_total",
			Help: "Categorization runs by result code",
		}, []string{"result"}),
		EmailsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_mail_sorter_emails_total",
			Help: "Messages handled by outcome",
		}, []string{"outcome"}),
		ClassifierFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "smart_mail_sorter_classifier_fallbacks_total",
			Help: "Classifications that degraded to the fallback result",
		}),
		CreditsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "smart_mail_sorter_credits_consumed_total",
			Help: "Credits spent on categorized messages",
		}),
		CreditsDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "smart_mail_sorter_credits_denied_total",
			Help: "Credit requests refused because the balance was empty",
		}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "smart_mail_sorter_run_duration_seconds",
			Help:    "Time spent in one categorization run",
			Buckets: prometheus.DefBuckets,
		}),
		SweepCustomers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smart_mail_sorter_sweep_customers",
			Help: "Customers visited by the last scheduled sweep",
		}),
		LastSweepTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smart_mail_sorter_last_sweep_timestamp_seconds",
			Help: "Unix time the last scheduled sweep finished",
		}),
	}
}

// NewNop returns metrics registered on a private registry
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
