package operators

import (
	"context"
	"strings"

	"github.com/vigilwaf/vigil/internal/variables"
)

// stringOp compares input with a macro-expanded argument.
type stringOp struct {
	arg   variables.Macro
	match func(input, arg string) bool
	// value picks the captured text for a match.
	value func(input, arg string) string
}

func (o stringOp) Evaluate(ctx context.Context, env variables.Env, input string) (Result, error) {
	arg := o.arg.Expand(ctx, env)
	if !o.match(input, arg) {
		return Result{}, nil
	}
	return Result{Matched: true, Value: o.value(input, arg)}, nil
}

func newStringOp(raw string, match func(input, arg string) bool, value func(input, arg string) string) (Operator, error) {
	m, err := variables.CompileMacro(raw)
	if err != nil {
		return nil, err
	}
	return stringOp{arg: m, match: match, value: value}, nil
}

func argValue(_, arg string) string { return arg }
func inputValue(input, _ string) string { return input }

func newContains(arg string, _ Options) (Operator, error) {
	if arg == "" {
		return nil, errArgRequired
	}
	return newStringOp(arg, strings.Contains, argValue)
}

func newBeginsWith(arg string, _ Options) (Operator, error) {
	if arg == "" {
		return nil, errArgRequired
	}
	return newStringOp(arg, strings.HasPrefix, argValue)
}

func newEndsWith(arg string, _ Options) (Operator, error) {
	if arg == "" {
		return nil, errArgRequired
	}
	return newStringOp(arg, strings.HasSuffix, argValue)
}

// newStreq allows an empty argument to test for empty values.
func newStreq(arg string, _ Options) (Operator, error) {
	return newStringOp(arg, func(input, arg string) bool { return input == arg }, inputValue)
}

// newWithin matches when a non-empty input occurs inside the argument,
// e.g. "@within GET HEAD POST".
func newWithin(arg string, _ Options) (Operator, error) {
	if arg == "" {
		return nil, errArgRequired
	}
	return newStringOp(arg, func(input, arg string) bool {
		return input != "" && strings.Contains(arg, input)
	}, inputValue)
}
