package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the publishing pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Labels: from, to, resolved_by
	CandidateTransitions *prometheus.CounterVec
	// Labels: platform, outcome, reason
	DispatchOutcomes *prometheus.CounterVec
	// Labels: platform
	PublishDuration *prometheus.HistogramVec
	// Labels: action
	SweepResolutions *prometheus.CounterVec
	// Labels: platform, result
	TokenRefreshes *prometheus.CounterVec
	// Labels: result
	GenerationRuns *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CandidateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brandflow_candidate_transitions_total",
				Help: "Post candidate status transitions",
			},
			[]string{"from", "to", "resolved_by"},
		),
		DispatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brandflow_dispatch_outcomes_total",
				Help: "Dispatch attempts by platform, outcome and reason",
			},
			[]string{"platform", "outcome", "reason"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brandflow_publish_duration_seconds",
				Help:    "Duration of platform publish calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"platform"},
		),
		SweepResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brandflow_sweep_resolutions_total",
				Help: "Candidates resolved by the approval timeout sweep",
			},
			[]string{"action"},
		),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brandflow_token_refreshes_total",
				Help: "OAuth token refresh attempts",
			},
			[]string{"platform", "result"},
		),
		GenerationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brandflow_generation_runs_total",
				Help: "Candidate generation runs",
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.CandidateTransitions,
			m.DispatchOutcomes,
			m.PublishDuration,
			m.SweepResolutions,
			m.TokenRefreshes,
			m.GenerationRuns,
		)
	}
	return m
}

func (m *Metrics) Transition(from, to, resolvedBy string) {
	if m == nil {
		return
	}
	m.CandidateTransitions.WithLabelValues(from, to, resolvedBy).Inc()
}

func (m *Metrics) Dispatch(platform, outcome, reason string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(platform, outcome, reason).Inc()
}

func (m *Metrics) ObservePublish(platform string, d time.Duration) {
	if m == nil {
		return
	}
	m.PublishDuration.WithLabelValues(platform).Observe(d.Seconds())
}

func (m *Metrics) Sweep(action string) {
	if m == nil {
		return
	}
	m.SweepResolutions.WithLabelValues(action).Inc()
}

func (m *Metrics) TokenRefresh(platform, result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) Generation(result string) {
	if m == nil {
		return
	}
	m.GenerationRuns.WithLabelValues(result).Inc()
}
