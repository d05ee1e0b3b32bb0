package actions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vigilwaf/vigil/internal/txn"
	"github.com/vigilwaf/vigil/internal/variables"
)

type Collection string

const (
	CollectionTX Collection = "tx"
	CollectionIP Collection = "ip"
)

type StepKind int

const (
	StepSetVar StepKind = iota + 1
	StepExpireVar
	StepInitCol
)

type SetOp int

const (
	OpAssign SetOp = iota
	OpAdd
	OpSub
	OpDelete
)

// Step is a non-disruptive action with side effects, run in declared order.
type Step struct {
	Kind       StepKind
	Op         SetOp
	Collection Collection
	Name       string
	Value      variables.Macro
	// TTL applies to ip variables; set on a setvar it makes the write and
	// the expiry one store operation.
	TTL time.Duration
}

// Outcome is what a matched list asks the engine to do.
type Outcome struct {
	// Decision is set when the list carries a blocking disruptive action.
	Decision *txn.Disposition
	// Allow stops the current phase with a pass.
	Allow bool
}

// Defaults are the statuses applied when a disruptive action names none.
type Defaults struct {
	DenyStatus int
}

// Execute runs the steps in order and resolves the disruptive action.
// Step failures are returned joined; remaining steps still run.
func (l *List) Execute(ctx context.Context, env variables.Env, ruleID int, defaults Defaults) (Outcome, error) {
	var errs []error
	for _, s := range l.Steps {
		if err := s.run(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return l.outcome(ctx, env, ruleID, defaults), errors.Join(errs...)
}

// outcome maps the disruptive action to an engine decision.
func (l *List) outcome(ctx context.Context, env variables.Env, ruleID int, defaults Defaults) Outcome {
	denyStatus := defaults.DenyStatus
	if denyStatus == 0 {
		denyStatus = 403
	}
	switch l.Disruptive {
	case DisruptiveDeny, DisruptiveBlock:
		status := l.Status
		if status == 0 {
			status = denyStatus
		}
		return Outcome{Decision: &txn.Disposition{Action: txn.ActionDeny, Status: status, RuleID: ruleID}}
	case DisruptiveDrop:
		return Outcome{Decision: &txn.Disposition{Action: txn.ActionDrop, RuleID: ruleID}}
	case DisruptiveRedirect:
		status := l.Status
		if status == 0 || status < 300 || status > 399 {
			status = DefaultRedirectStatus
		}
		return Outcome{Decision: &txn.Disposition{
			Action: txn.ActionRedirect,
			Status: status,
			URL:    l.RedirectURL.Expand(ctx, env),
			RuleID: ruleID,
		}}
	case DisruptiveAllow:
		return Outcome{Allow: true}
	default:
		return Outcome{}
	}
}

func (s Step) run(ctx context.Context, env variables.Env) error {
	switch s.Kind {
	case StepInitCol:
		key := s.Value.Expand(ctx, env)
		if key == "" {
			return errors.New("initcol: empty ip key")
		}
		env.Tx.SetIPKey(key)
		return nil
	case StepExpireVar:
		if env.Store == nil {
			return errors.New("expirevar: no store")
		}
		return env.Store.Expire(ctx, variables.IPStoreKey(env.Tx.IPKey(), s.Name), s.TTL)
	case StepSetVar:
		if s.Collection == CollectionIP {
			return s.setIP(ctx, env)
		}
		return s.setTX(ctx, env)
	default:
		return fmt.Errorf("unknown step kind %d", s.Kind)
	}
}

func (s Step) setTX(ctx context.Context, env variables.Env) error {
	tx := env.Tx
	switch s.Op {
	case OpDelete:
		tx.DeleteVar(s.Name)
		return nil
	case OpAssign:
		tx.SetVar(s.Name, s.Value.Expand(ctx, env))
		return nil
	}

	delta, err := s.delta(ctx, env)
	if err != nil {
		return err
	}
	current := int64(0)
	if v, ok := tx.Var(s.Name); ok && v != "" {
		current, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("setvar tx.%s: current value %q is not an integer", s.Name, v)
		}
	}
	tx.SetVar(s.Name, strconv.FormatInt(current+delta, 10))
	return nil
}

func (s Step) setIP(ctx context.Context, env variables.Env) error {
	if env.Store == nil {
		return fmt.Errorf("setvar ip.%s: no store", s.Name)
	}
	key := variables.IPStoreKey(env.Tx.IPKey(), s.Name)
	switch s.Op {
	case OpDelete:
		return env.Store.Delete(ctx, key)
	case OpAssign:
		return env.Store.Set(ctx, key, s.Value.Expand(ctx, env), s.TTL)
	}
	delta, err := s.delta(ctx, env)
	if err != nil {
		return err
	}
	_, err = env.Store.IncrBy(ctx, key, delta, s.TTL)
	return err
}

func (s Step) delta(ctx context.Context, env variables.Env) (int64, error) {
	raw := s.Value.Expand(ctx, env)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setvar %s.%s: delta %q is not an integer", s.Collection, s.Name, raw)
	}
	if s.Op == OpSub {
		n = -n
	}
	return n, nil
}
