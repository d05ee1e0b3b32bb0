// Package operators implements the tests a rule applies to a transformed
// value: string comparison, regular expressions, phrase matching, numeric
// comparison and the heuristic injection detectors.
package operators

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vigilwaf/vigil/internal/detect"
	"github.com/vigilwaf/vigil/internal/variables"
)

// Result is the outcome of one evaluation. Value is the matched text and
// Groups holds regex capture groups when the operator produces them.
type Result struct {
	Matched bool
	Value   string
	Groups  []string
}

// Operator evaluates one candidate value. Errors are anomalies the engine
// records and treats as a non-match.
type Operator interface {
	Evaluate(ctx context.Context, env variables.Env, input string) (Result, error)
}

// Spec is a parsed operator expression such as "!@contains admin".
type Spec struct {
	Name   string
	Arg    string
	Negate bool
}

func (s Spec) String() string {
	prefix := ""
	if s.Negate {
		prefix = "!"
	}
	if s.Arg == "" {
		return prefix + "@" + s.Name
	}
	return prefix + "@" + s.Name + " " + s.Arg
}

// Parse splits an operator expression. Without an '@' name the whole
// expression is a regular expression.
func Parse(raw string) (Spec, error) {
	expr := strings.TrimSpace(raw)
	spec := Spec{}
	if strings.HasPrefix(expr, "!") {
		spec.Negate = true
		expr = strings.TrimSpace(expr[1:])
	}
	if !strings.HasPrefix(expr, "@") {
		spec.Name = "rx"
		spec.Arg = expr
		return spec, nil
	}
	name, arg, _ := strings.Cut(expr[1:], " ")
	if name == "" {
		return Spec{}, fmt.Errorf("operator name missing in %q", raw)
	}
	spec.Name = strings.ToLower(name)
	spec.Arg = strings.TrimSpace(arg)
	return spec, nil
}

// Options carries load-time settings operators need.
type Options struct {
	// BaseDir resolves relative @pmFromFile paths.
	BaseDir       string
	SQLi          detect.Detector
	XSS           detect.Detector
	SQLiThreshold int
	XSSThreshold  int
}

type factory func(arg string, opts Options) (Operator, error)

var registry = map[string]factory{
	"contains":           newContains,
	"beginswith":         newBeginsWith,
	"endswith":           newEndsWith,
	"streq":              newStreq,
	"within":             newWithin,
	"rx":                 newRegex,
	"pm":                 newPhraseMatch,
	"pmfromfile":         newPhraseMatchFromFile,
	"detectsqli":         newDetectSQLi,
	"detectxss":          newDetectXSS,
	"eq":                 numeric(func(a, b float64) bool { return a == b }),
	"gt":                 numeric(func(a, b float64) bool { return a > b }),
	"lt":                 numeric(func(a, b float64) bool { return a < b }),
	"ge":                 numeric(func(a, b float64) bool { return a >= b }),
	"le":                 numeric(func(a, b float64) bool { return a <= b }),
	"unconditionalmatch": newUnconditional,
}

// Names lists the registered operators.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Compile builds the operator for spec. Unknown names and invalid
// arguments are configuration errors.
func Compile(spec Spec, opts Options) (Operator, error) {
	f, ok := registry[strings.ToLower(spec.Name)]
	if !ok {
		return nil, fmt.Errorf("unknown operator @%s", spec.Name)
	}
	op, err := f(spec.Arg, opts)
	if err != nil {
		return nil, fmt.Errorf("@%s: %w", spec.Name, err)
	}
	if spec.Negate {
		return negated{inner: op}, nil
	}
	return op, nil
}

type negated struct {
	inner Operator
}

func (n negated) Evaluate(ctx context.Context, env variables.Env, input string) (Result, error) {
	res, err := n.inner.Evaluate(ctx, env, input)
	if err != nil {
		return Result{}, err
	}
	res.Matched = !res.Matched
	return res, nil
}

var errArgRequired = errors.New("argument is required")

type unconditional struct{}

func newUnconditional(string, Options) (Operator, error) {
	return unconditional{}, nil
}

func (unconditional) Evaluate(_ context.Context, _ variables.Env, input string) (Result, error) {
	return Result{Matched: true, Value: input}, nil
}
