package rules

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"unicode/utf8"

	"github.com/vigilwaf/vigil/internal/actions"
	"github.com/vigilwaf/vigil/internal/txn"
	"github.com/vigilwaf/vigil/internal/variables"
)

const maxDiagnosticDetail = 256

// PhaseResult summarizes one phase evaluation.
type PhaseResult struct {
	Evaluated int
	Matched   []int
	// Allowed is set when an allow action ended the phase.
	Allowed bool
}

// EvaluatePhase runs a phase's rules against the transaction in id order,
// following chains, skip and skipAfter. Phases 1-4 stop as soon as the
// transaction is blocked; disruptive actions are ignored in phase 5.
// Anomalies are recorded as diagnostics and never abort evaluation.
func (s *RuleSet) EvaluatePhase(ctx context.Context, env variables.Env, phase txn.Phase) PhaseResult {
	var res PhaseResult
	rules := s.Rules(phase)
	tx := env.Tx

	for i := 0; i < len(rules); {
		if phase < txn.PhaseLogging && tx.Blocked() {
			break
		}
		if ctx.Err() != nil {
			tx.AddDiagnostic(txn.Diagnostic{Phase: phase, Kind: txn.DiagOperator, Detail: ctx.Err().Error()})
			break
		}

		r := rules[i]
		res.Evaluated++
		ev, ok := s.matchRule(ctx, env, r)
		if !ok {
			i++
			continue
		}
		res.Matched = append(res.Matched, r.ID)

		outcome := s.apply(ctx, env, r, ev)
		if outcome.Decision != nil && phase < txn.PhaseLogging {
			tx.Decide(*outcome.Decision)
		}
		if tx.Blocked() && phase < txn.PhaseLogging {
			break
		}
		if outcome.Allow && phase < txn.PhaseLogging {
			res.Allowed = true
			break
		}

		if r.next >= 0 {
			i = r.next
		} else {
			i++
		}
	}
	return res
}

// evidence is what the last matching link saw.
type evidence struct {
	variable string
	value    string
}

// matchRule evaluates every link; the rule matches only if all do.
func (s *RuleSet) matchRule(ctx context.Context, env variables.Env, r *Rule) (ev evidence, matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			env.Tx.AddDiagnostic(txn.Diagnostic{
				RuleID: r.ID,
				Phase:  r.Phase,
				Kind:   txn.DiagPanic,
				Detail: truncate(fmt.Sprintf("%v: %s", rec, debug.Stack())),
			})
			ev, matched = evidence{}, false
		}
	}()
	for i := range r.Links {
		linkEv, ok := s.matchLink(ctx, env, r, &r.Links[i])
		if !ok {
			return evidence{}, false
		}
		if linkEv.variable != "" {
			ev = linkEv
		}
	}
	return ev, true
}

// matchLink tests the candidates of one link. MATCHED_VAR is set to the
// candidate's raw value; the evidence is the operator's matched text.
func (s *RuleSet) matchLink(ctx context.Context, env variables.Env, r *Rule, link *Link) (evidence, bool) {
	tx := env.Tx
	if link.Unconditional {
		return evidence{}, true
	}

	candidates, err := link.Variables.Resolve(ctx, env)
	if err != nil {
		// An unknown variable makes the whole rule a non-match; a store
		// failure only drops that collection's candidates.
		if errors.Is(err, variables.ErrUnknownVariable) {
			tx.AddDiagnostic(txn.Diagnostic{RuleID: r.ID, Phase: r.Phase, Kind: txn.DiagUnknownVariable, Detail: truncate(err.Error())})
			return evidence{}, false
		}
		tx.AddDiagnostic(txn.Diagnostic{RuleID: r.ID, Phase: r.Phase, Kind: txn.DiagStore, Detail: truncate(err.Error())})
	}
	if len(candidates) == 0 {
		return evidence{}, false
	}

	matchAll := link.Actions.MatchAll
	var (
		hit       *variables.Candidate
		ev        evidence
		hitGroups []string
	)
	for _, c := range candidates {
		c := c // per-iteration copy: hit = &c below relies on Go 1.22+ loop semantics
		value, failures := link.Transforms.Apply(c.Value)
		for _, f := range failures {
			tx.AddDiagnostic(txn.Diagnostic{
				RuleID: r.ID,
				Phase:  r.Phase,
				Kind:   txn.DiagTransform,
				Detail: truncate(fmt.Sprintf("%s: %s could not decode input", c.Name, f.Transform)),
			})
		}

		out, err := link.Operator.Evaluate(ctx, env, value)
		if err != nil {
			tx.AddDiagnostic(txn.Diagnostic{
				RuleID: r.ID,
				Phase:  r.Phase,
				Kind:   txn.DiagOperator,
				Detail: truncate(fmt.Sprintf("%s %s: %v", c.Name, link.OpSpec, err)),
			})
			if matchAll {
				return evidence{}, false
			}
			continue
		}
		if !out.Matched {
			if matchAll {
				return evidence{}, false
			}
			continue
		}
		if hit == nil {
			hit = &c
			ev = evidence{variable: c.Name, value: out.Value}
			if ev.value == "" {
				ev.value = value
			}
			hitGroups = out.Groups
		}
		if !matchAll {
			break
		}
	}
	if hit == nil {
		return evidence{}, false
	}

	tx.SetMatched(hit.Name, hit.Value)
	if link.Actions.Capture && len(hitGroups) > 0 {
		tx.SetCaptures(hitGroups)
	}
	return ev, true
}

// apply runs the actions of every link in order and records the match.
func (s *RuleSet) apply(ctx context.Context, env variables.Env, r *Rule, ev evidence) actions.Outcome {
	tx := env.Tx
	var outcome actions.Outcome
	for i := range r.Links {
		out, err := r.Links[i].Actions.Execute(ctx, env, r.ID, s.defaults)
		if err != nil {
			tx.AddDiagnostic(txn.Diagnostic{RuleID: r.ID, Phase: r.Phase, Kind: txn.DiagAction, Detail: truncate(err.Error())})
		}
		if out.Decision != nil {
			outcome.Decision = out.Decision
		}
		outcome.Allow = outcome.Allow || out.Allow
	}

	head := r.Head()
	m := txn.Match{
		RuleID:   r.ID,
		Phase:    r.Phase,
		Msg:      head.Msg.Expand(ctx, env),
		Tags:     head.Tags,
		Severity: head.Severity,
		Variable: ev.variable,
		Value:    ev.value,
		LogData:  head.LogData.Expand(ctx, env),
		Log:      head.Log,
		Audit:    head.AuditLog,
	}
	// A chain link may supply msg/logdata the head lacks.
	for _, l := range r.Links[1:] {
		if m.Msg == "" {
			m.Msg = l.Actions.Msg.Expand(ctx, env)
		}
		if m.LogData == "" {
			m.LogData = l.Actions.LogData.Expand(ctx, env)
		}
	}
	tx.AddMatch(m)
	return outcome
}

// truncate cuts s to maxDiagnosticDetail bytes on a rune boundary.
func truncate(s string) string {
	n := maxDiagnosticDetail
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
