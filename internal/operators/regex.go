package operators

import (
	"context"
	"regexp"

	"github.com/vigilwaf/vigil/internal/variables"
)

type RegexMatcher struct {
	re *regexp.Regexp
}

func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexMatcher{re: re}, nil
}

func newRegex(arg string, _ Options) (Operator, error) {
	return NewRegexMatcher(arg)
}

// Evaluate returns the leftmost match; Groups[0] is the whole match.
func (m *RegexMatcher) Evaluate(_ context.Context, _ variables.Env, input string) (Result, error) {
	groups := m.re.FindStringSubmatch(input)
	if groups == nil {
		return Result{}, nil
	}
	return Result{Matched: true, Value: groups[0], Groups: groups}, nil
}
