// Package metrics holds the Prometheus instruments for entitlement decisions,
// quota commits, job outcomes and migrations.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mixreport"

type Metrics struct {
	// Decisions counts Resolve results. Labels: actor (anonymous, account), reason ("" when allowed).
	Decisions *prometheus.CounterVec
	// Commits counts quota commits. Labels: outcome (committed, rejected, error).
	Commits *prometheus.CounterVec
	// AbuseVerdicts counts gate classifications. Labels: verdict, cached.
	AbuseVerdicts *prometheus.CounterVec
	// JobsSubmitted counts accepted submissions. Labels: compressed (true, false).
	JobsSubmitted *prometheus.CounterVec
	// JobsTerminal counts jobs reaching a terminal state. Labels: status.
	JobsTerminal *prometheus.CounterVec
	// Migrations counts OnAuthenticated outcomes. Labels: outcome.
	Migrations *prometheus.CounterVec
}

// New registers every instrument on reg. Pass prometheus.DefaultRegisterer in
// production and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "decisions_total",
			Help:      "Entitlement decisions by actor kind and denial reason.",
		}, []string{"actor", "reason"}),
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "commits_total",
			Help:      "Conditional quota commits by outcome.",
		}, []string{"outcome"}),
		AbuseVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "abuse",
			Name:      "verdicts_total",
			Help:      "Abuse gate classifications.",
		}, []string{"verdict", "cached"}),
		JobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Jobs accepted by the analysis engine.",
		}, []string{"compressed"}),
		JobsTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "terminal_total",
			Help:      "Jobs observed reaching a terminal state.",
		}, []string{"status"}),
		Migrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "outcomes_total",
			Help:      "Pending result migrations by outcome.",
		}, []string{"outcome"}),
	}
}

func inc(v *prometheus.CounterVec, labels ...string) {
	v.WithLabelValues(labels...).Inc()
}

func (m *Metrics) Decision(actor, reason string) {
	if m == nil {
		return
	}
	inc(m.Decisions, actor, reason)
}

func (m *Metrics) Commit(outcome string) {
	if m == nil {
		return
	}
	inc(m.Commits, outcome)
}

func (m *Metrics) Verdict(verdict string, cached bool) {
	if m == nil {
		return
	}
	c := "false"
	if cached {
		c = "true"
	}
	inc(m.AbuseVerdicts, verdict, c)
}

func (m *Metrics) Submitted(compressed bool) {
	if m == nil {
		return
	}
	c := "false"
	if compressed {
		c = "true"
	}
	inc(m.JobsSubmitted, c)
}

func (m *Metrics) Terminal(status string) {
	if m == nil {
		return
	}
	inc(m.JobsTerminal, status)
}

func (m *Metrics) Migration(outcome string) {
	if m == nil {
		return
	}
	inc(m.Migrations, outcome)
}
