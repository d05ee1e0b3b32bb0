package waf

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vigilwaf/vigil/internal/audit"
	"github.com/vigilwaf/vigil/internal/txn"
	"github.com/vigilwaf/vigil/internal/variables"
)

// runPhase evaluates one phase unless the transaction is already blocked
// before the logging phase. New matches and diagnostics are logged and
// counted once.
func (e *Engine) runPhase(ctx context.Context, en *entry, phase txn.Phase) {
	tx := en.tx
	if phase < txn.PhaseLogging && tx.Blocked() {
		return
	}
	if err := tx.EnterPhase(phase); err != nil {
		e.logger.Error("phase order", zap.String("transaction_id", tx.ID), zap.Error(err))
		return
	}

	matchesBefore := len(tx.Matches())
	diagsBefore := len(tx.Diagnostics())

	start := e.now()
	res := en.rules.EvaluatePhase(ctx, variables.Env{Tx: tx, Store: e.store}, phase)
	elapsed := e.now().Sub(start)
	tx.RecordTiming(phase, elapsed)
	e.metrics.ObservePhase(phase, elapsed)

	for _, m := range tx.Matches()[matchesBefore:] {
		e.metrics.RuleMatched(m)
		if m.Log {
			e.logger.Info("rule matched",
				zap.String("transaction_id", tx.ID),
				zap.Int("rule_id", m.RuleID),
				zap.Stringer("phase", phase),
				zap.String("msg", audit.Redact(m.Msg)),
				zap.String("variable", m.Variable),
				zap.String("severity", m.Severity))
		}
	}
	for _, d := range tx.Diagnostics()[diagsBefore:] {
		e.metrics.Anomaly(d)
		e.logger.Debug("evaluation anomaly",
			zap.String("transaction_id", tx.ID),
			zap.Int("rule_id", d.RuleID),
			zap.Stringer("phase", phase),
			zap.String("kind", d.Kind),
			zap.String("detail", d.Detail))
	}

	trace.SpanFromContext(ctx).AddEvent("waf.phase", trace.WithAttributes(
		attribute.Int("vigil.phase", int(phase)),
		attribute.Int("vigil.rules.evaluated", res.Evaluated),
		attribute.Int("vigil.rules.matched", len(res.Matched)),
		attribute.Bool("vigil.blocked", tx.Blocked()),
	))
}
