package normalize

import (
	"fmt"
	"strings"
)

// Pipeline is an ordered list of transformations fixed at rule load time.
type Pipeline struct {
	steps []step
}

type step struct {
	name string
	fn   Func
}

// Failure names a transformation that could not decode its input.
type Failure struct {
	Transform string
	Input     string
}

// Compile resolves transformation names. "none" clears everything before it.
func Compile(names []string) (Pipeline, error) {
	var p Pipeline
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		fn, ok := Lookup(name)
		if !ok {
			return Pipeline{}, fmt.Errorf("unknown transformation %q", raw)
		}
		if strings.EqualFold(name, "none") {
			p.steps = nil
			continue
		}
		p.steps = append(p.steps, step{name: name, fn: fn})
	}
	return p, nil
}

// Apply runs every step left to right and never fails; soft failures are
// returned for the caller to record.
func (p Pipeline) Apply(input string) (string, []Failure) {
	out := input
	var failures []Failure
	for _, s := range p.steps {
		next, ok := s.fn(out)
		if !ok {
			failures = append(failures, Failure{Transform: s.name, Input: out})
		}
		out = next
	}
	return out, failures
}

func (p Pipeline) Names() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.name
	}
	return names
}

func (p Pipeline) Empty() bool {
	return len(p.steps) == 0
}
