package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigilwaf/vigil/internal/audit"
	"github.com/vigilwaf/vigil/internal/txn"
)

type Metrics struct {
	transactionsTotal *prometheus.CounterVec
	ruleMatchesTotal  *prometheus.CounterVec
	anomaliesTotal    *prometheus.CounterVec
	auditErrorsTotal  prometheus.Counter
	reloadsTotal      *prometheus.CounterVec
	rulesLoaded       prometheus.Gauge
	inspectDuration   *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "vigil_transactions_total", Help: "Finished transactions"},
			[]string{"mode", "action", "disposition"},
		),
		ruleMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "vigil_rule_matches_total", Help: "Total rule matches"},
			[]string{"rule_id", "phase"},
		),
		anomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "vigil_anomalies_total", Help: "Evaluation anomalies recovered as non-matches"},
			[]string{"kind"},
		),
		auditErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "vigil_audit_errors_total", Help: "Audit records that could not be written"},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "vigil_reloads_total", Help: "Rule set reloads"},
			[]string{"result"},
		),
		rulesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "vigil_rules_loaded", Help: "Rules in the active rule set"},
		),
		inspectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigil_phase_duration_seconds",
				Help:    "Rule evaluation time per phase in seconds",
				Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"phase"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.transactionsTotal,
		m.ruleMatchesTotal,
		m.anomaliesTotal,
		m.auditErrorsTotal,
		m.reloadsTotal,
		m.rulesLoaded,
		m.inspectDuration,
	)

	return m
}

func (m *Metrics) Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveTransaction counts a finished transaction from its audit record.
func (m *Metrics) ObserveTransaction(rec audit.Record) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(rec.Mode, rec.Action, string(rec.Disposition.Action)).Inc()
}

func (m *Metrics) ObservePhase(p txn.Phase, d time.Duration) {
	if m == nil {
		return
	}
	m.inspectDuration.WithLabelValues(p.String()).Observe(d.Seconds())
}

func (m *Metrics) RuleMatched(match txn.Match) {
	if m == nil {
		return
	}
	m.ruleMatchesTotal.WithLabelValues(strconv.Itoa(match.RuleID), match.Phase.String()).Inc()
}

func (m *Metrics) Anomaly(d txn.Diagnostic) {
	if m == nil {
		return
	}
	m.anomaliesTotal.WithLabelValues(d.Kind).Inc()
}

func (m *Metrics) AuditError() {
	if m == nil {
		return
	}
	m.auditErrorsTotal.Inc()
}

// Reloaded records a reload attempt; rules is the active rule count.
func (m *Metrics) Reloaded(ok bool, rules int) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.reloadsTotal.WithLabelValues(result).Inc()
	if ok {
		m.rulesLoaded.Set(float64(rules))
	}
}
