package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/vigilwaf/vigil/internal/actions"
	"github.com/vigilwaf/vigil/internal/normalize"
	"github.com/vigilwaf/vigil/internal/operators"
	"github.com/vigilwaf/vigil/internal/txn"
	"github.com/vigilwaf/vigil/internal/variables"
)

// Rule is a compiled SecRule or SecAction. A chain compiles into one Rule
// whose Links run in order; Links[0] carries the id and metadata.
type Rule struct {
	ID    int
	Phase txn.Phase
	Links []Link
	File  string
	Line  int

	// next is the cursor position after a match when skip or skipAfter
	// is set, -1 otherwise.
	next int
}

// Head returns the first link's actions, which hold id, phase, metadata
// and the disruptive action.
func (r *Rule) Head() *actions.List {
	return r.Links[0].Actions
}

// Link is one variable/transform/operator test plus its actions.
type Link struct {
	Variables  variables.Set
	Operator   operators.Operator
	OpSpec     operators.Spec
	Transforms normalize.Pipeline
	Actions    *actions.List
	// Unconditional links come from SecAction and match without input.
	Unconditional bool
}

// RuleSet is an immutable, compiled rule set.
type RuleSet struct {
	phases   [txn.PhaseLogging + 1][]*Rule
	byID     map[int]*Rule
	files    []string
	loadedAt time.Time
	defaults actions.Defaults
}

// Rules returns a phase's rules in evaluation order.
func (s *RuleSet) Rules(p txn.Phase) []*Rule {
	if !p.Valid() {
		return nil
	}
	return s.phases[p]
}

func (s *RuleSet) Rule(id int) (*Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

func (s *RuleSet) Len() int {
	return len(s.byID)
}

func (s *RuleSet) Files() []string {
	return append([]string(nil), s.files...)
}

func (s *RuleSet) LoadedAt() time.Time {
	return s.loadedAt
}

// Summary describes one rule for listings.
type Summary struct {
	ID       int      `json:"id"`
	Phase    int      `json:"phase"`
	Chain    int      `json:"chain_links,omitempty"`
	Operator string   `json:"operator"`
	Action   string   `json:"action"`
	Msg      string   `json:"msg,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Source   string   `json:"source"`
}

// Summaries lists every rule ordered by phase then id.
func (s *RuleSet) Summaries() []Summary {
	out := make([]Summary, 0, len(s.byID))
	for p := txn.PhaseRequestHeaders; p <= txn.PhaseLogging; p++ {
		for _, r := range s.phases[p] {
			head := r.Head()
			op := "@unconditionalMatch"
			if !r.Links[0].Unconditional {
				op = r.Links[0].OpSpec.String()
			}
			out = append(out, Summary{
				ID:       r.ID,
				Phase:    int(r.Phase),
				Chain:    len(r.Links) - 1,
				Operator: op,
				Action:   head.Disruptive.String(),
				Msg:      head.Msg.String(),
				Tags:     head.Tags,
				Source:   fmt.Sprintf("%s:%d", r.File, r.Line),
			})
		}
	}
	return out
}

// LoadError aggregates every configuration problem found in a rule set.
type LoadError struct {
	Problems []string
}

func (e *LoadError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%d rule error(s)", len(e.Problems))
}

func (e *LoadError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	sort.Strings(e.Problems)
	return e
}
