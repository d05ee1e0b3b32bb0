// Package audit builds and writes the per-transaction audit record.
package audit

import (
	"sort"
	"time"
	"unicode/utf8"

	"github.com/vigilwaf/vigil/internal/policy"
	"github.com/vigilwaf/vigil/internal/txn"
)

const (
	maxEvidence = 64
	maxMsg      = 256
)

// Record is written as a single JSON object per transaction.
type Record struct {
	Timestamp      time.Time          `json:"ts"`
	TransactionID  string             `json:"transaction_id"`
	ClientIP       string             `json:"client_ip"`
	Host           string             `json:"host"`
	Method         string             `json:"method"`
	URI            string             `json:"uri"`
	Mode           string             `json:"mode"`
	Action         string             `json:"action"`
	Disposition    txn.Disposition    `json:"disposition"`
	Enforced       bool               `json:"enforced"`
	ResponseStatus int                `json:"response_status,omitempty"`
	MatchedRules   []MatchedRule      `json:"matched_rules"`
	Diagnostics    []txn.Diagnostic   `json:"diagnostics,omitempty"`
	BodySkipped    bool               `json:"body_skipped,omitempty"`
	PhaseTimingsMS map[string]float64 `json:"phase_timings_ms,omitempty"`
	DurationMS     int64              `json:"duration_ms"`
}

type MatchedRule struct {
	ID       int      `json:"id"`
	Phase    string   `json:"phase"`
	Msg      string   `json:"msg,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Severity string   `json:"severity,omitempty"`
	Variable string   `json:"variable,omitempty"`
	Evidence string   `json:"evidence,omitempty"`
	LogData  string   `json:"logdata,omitempty"`
}

// NewRecord snapshots a finished transaction. Matches whose rules turned
// auditing off are left out. Messages, evidence, logdata and the URI are
// redacted.
func NewRecord(tx *txn.Transaction, mode policy.Mode, end time.Time) Record {
	d := tx.Disposition()
	action, enforced := policy.DecideAction(mode, d)

	rec := Record{
		Timestamp:      tx.Start.UTC(),
		TransactionID:  tx.ID,
		ClientIP:       tx.ClientAddr,
		Host:           tx.Request.Headers.Get("Host"),
		Method:         tx.Request.Method,
		URI:            Redact(tx.Request.URI),
		Mode:           string(mode),
		Action:         string(action),
		Disposition:    d,
		Enforced:       enforced,
		ResponseStatus: tx.Response.Status,
		Diagnostics:    tx.Diagnostics(),
		BodySkipped:    tx.Request.BodySkipped || tx.Response.BodySkipped,
		DurationMS:     end.Sub(tx.Start).Milliseconds(),
	}

	for _, m := range tx.Matches() {
		if !m.Audit {
			continue
		}
		rec.MatchedRules = append(rec.MatchedRules, MatchedRule{
			ID:       m.RuleID,
			Phase:    m.Phase.String(),
			Msg:      clip(Redact(m.Msg), maxMsg),
			Tags:     m.Tags,
			Severity: m.Severity,
			Variable: m.Variable,
			Evidence: clip(Redact(m.Value), maxEvidence),
			LogData:  clip(Redact(m.LogData), maxEvidence),
		})
	}

	timings := tx.Timings()
	if len(timings) > 0 {
		rec.PhaseTimingsMS = make(map[string]float64, len(timings))
		for p, dur := range timings {
			rec.PhaseTimingsMS[p.String()] = float64(dur.Microseconds()) / 1000
		}
	}
	return rec
}

// Relevant reports whether the record has matches or a non-pass outcome.
func (r Record) Relevant() bool {
	return len(r.MatchedRules) > 0 || r.Disposition.Blocking()
}

// RuleIDs returns the matched rule ids in ascending order.
func (r Record) RuleIDs() []int {
	ids := make([]int, 0, len(r.MatchedRules))
	for _, m := range r.MatchedRules {
		ids = append(ids, m.ID)
	}
	sort.Ints(ids)
	return ids
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
