package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vigilwaf/vigil/internal/actions"
	"github.com/vigilwaf/vigil/internal/normalize"
	"github.com/vigilwaf/vigil/internal/operators"
	"github.com/vigilwaf/vigil/internal/seclang"
	"github.com/vigilwaf/vigil/internal/txn"
	"github.com/vigilwaf/vigil/internal/variables"
)

// DefaultPhase applies to rules that declare none.
const DefaultPhase = txn.PhaseRequestBody

type Options struct {
	Operators         operators.Options
	DefaultDenyStatus int
}

// Load parses the rule files matching patterns and compiles them.
func Load(patterns []string, opts Options) (*RuleSet, error) {
	if len(patterns) == 0 {
		return nil, errors.New("no rule files configured")
	}
	directives, files, err := seclang.ParseFiles(patterns...)
	if err != nil {
		le := &LoadError{}
		addSyntaxErrors(le, err)
		return nil, le.orNil()
	}
	set, err := Compile(directives, opts)
	if err != nil {
		return nil, err
	}
	set.files = files
	return set, nil
}

func addSyntaxErrors(le *LoadError, err error) {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			le.Add("%v", e)
		}
		return
	}
	le.Add("%v", err)
}

// Compile types directives into a rule set. Every problem is collected into
// a *LoadError; nothing is returned unless the whole set is valid.
func Compile(directives []seclang.Directive, opts Options) (*RuleSet, error) {
	le := &LoadError{}
	set := &RuleSet{
		byID:     map[int]*Rule{},
		loadedAt: time.Now(),
		defaults: actions.Defaults{DenyStatus: opts.DefaultDenyStatus},
	}

	var (
		open *Rule
		// skipping consumes the remaining links of a chain that failed to
		// compile so they are not reported as rules without ids.
		skipping bool
	)
	for _, d := range directives {
		pos := d.Position()
		link, err := compileLink(d, opts)
		if err != nil {
			le.Add("%s: %v", pos, err)
			open = nil
			skipping = chainContinues(d)
			continue
		}
		if skipping {
			skipping = link.Actions.Chain
			continue
		}

		if open != nil {
			if msg := checkLink(d, link); msg != "" {
				le.Add("%s: chained rule %s", pos, msg)
			}
			open.Links = append(open.Links, link)
			if !link.Actions.Chain {
				open = nil
			}
			continue
		}

		head := link.Actions
		if head.ID == 0 {
			le.Add("%s: rule has no id", pos)
			continue
		}
		if prev, dup := set.byID[head.ID]; dup {
			le.Add("%s: duplicate rule id %d (first defined at %s:%d)", pos, head.ID, prev.File, prev.Line)
			continue
		}
		phase := head.Phase
		if phase == 0 {
			phase = DefaultPhase
		}
		if link.Unconditional && head.Chain {
			le.Add("%s: SecAction cannot start a chain", pos)
			continue
		}
		r := &Rule{ID: head.ID, Phase: phase, Links: []Link{link}, File: d.File, Line: d.Line, next: -1}
		set.byID[r.ID] = r
		set.phases[phase] = append(set.phases[phase], r)
		if head.Chain {
			open = r
		}
	}
	if open != nil {
		le.Add("%s:%d: rule %d: chain is not terminated", open.File, open.Line, open.ID)
	}

	for p := range set.phases {
		rules := set.phases[p]
		sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
		resolveJumps(le, rules)
	}

	if err := le.orNil(); err != nil {
		return nil, err
	}
	return set, nil
}

func chainContinues(d seclang.Directive) bool {
	for _, a := range d.Actions {
		if strings.EqualFold(a.Key, "chain") {
			return true
		}
	}
	return false
}

func compileLink(d seclang.Directive, opts Options) (Link, error) {
	list, err := actions.Parse(d.Actions)
	if err != nil {
		return Link{}, err
	}
	pipeline, err := normalize.Compile(list.Transforms)
	if err != nil {
		return Link{}, err
	}
	link := Link{Actions: list, Transforms: pipeline}

	if d.Kind == seclang.KindAction {
		link.Unconditional = true
		return link, nil
	}

	set, err := variables.Parse(d.Variables)
	if err != nil {
		return Link{}, fmt.Errorf("variables: %w", err)
	}
	spec, err := operators.Parse(d.Operator)
	if err != nil {
		return Link{}, err
	}
	op, err := operators.Compile(spec, opts.Operators)
	if err != nil {
		return Link{}, fmt.Errorf("operator: %w", err)
	}
	link.Variables = set
	link.OpSpec = spec
	link.Operator = op
	return link, nil
}

// checkLink reports metadata only a chain head may carry.
func checkLink(d seclang.Directive, link Link) string {
	a := link.Actions
	switch {
	case d.Kind == seclang.KindAction:
		return "must be a SecRule"
	case a.ID != 0:
		return "cannot set id"
	case a.Phase != 0:
		return "cannot set phase"
	case a.HasDisruptive():
		return fmt.Sprintf("cannot use disruptive action %s", a.Disruptive)
	case a.Skip != 0 || a.SkipAfter != 0:
		return "cannot skip"
	}
	return ""
}

// resolveJumps turns skip and skipAfter into cursor targets within the
// phase. skipAfter must name a rule further down the same phase.
func resolveJumps(le *LoadError, rules []*Rule) {
	index := make(map[int]int, len(rules))
	for i, r := range rules {
		index[r.ID] = i
	}
	for i, r := range rules {
		head := r.Head()
		switch {
		case head.SkipAfter != 0:
			target, ok := index[head.SkipAfter]
			if !ok || target <= i {
				le.Add("%s:%d: rule %d: skipAfter target %d is not a later rule in phase %d",
					r.File, r.Line, r.ID, head.SkipAfter, int(r.Phase))
				continue
			}
			r.next = target + 1
		case head.Skip != 0:
			r.next = i + 1 + head.Skip
			if r.next > len(rules) {
				r.next = len(rules)
			}
		}
	}
}
