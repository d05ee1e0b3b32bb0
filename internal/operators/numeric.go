package operators

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vigilwaf/vigil/internal/variables"
)

type numericOp struct {
	arg     variables.Macro
	compare func(input, arg float64) bool
}

// numeric builds a comparison factory. A static argument must be a number;
// a macro argument is checked per evaluation.
func numeric(compare func(input, arg float64) bool) factory {
	return func(raw string, _ Options) (Operator, error) {
		if raw == "" {
			return nil, errArgRequired
		}
		m, err := variables.CompileMacro(raw)
		if err != nil {
			return nil, err
		}
		if m.Static() {
			if _, ok := parseNumber(raw); !ok {
				return nil, fmt.Errorf("argument %q is not a number", raw)
			}
		}
		return numericOp{arg: m, compare: compare}, nil
	}
}

// Evaluate never matches a non-numeric input.
func (o numericOp) Evaluate(ctx context.Context, env variables.Env, input string) (Result, error) {
	value, ok := parseNumber(input)
	if !ok {
		return Result{}, nil
	}
	expanded := o.arg.Expand(ctx, env)
	arg, ok := parseNumber(expanded)
	if !ok {
		return Result{}, fmt.Errorf("argument %q is not a number", expanded)
	}
	if !o.compare(value, arg) {
		return Result{}, nil
	}
	return Result{Matched: true, Value: strings.TrimSpace(input)}, nil
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
