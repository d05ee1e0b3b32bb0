// Package detect implements heuristic injection detectors. Each detector
// scores lexical and structural signals in a value; operators compare the
// score against a tunable threshold.
//
// Known limitations: signals are regular expressions over a lowercased copy
// of the input, so payloads split across several arguments, comment-obfuscated
// keywords (un/**/ion) and non-ASCII homoglyphs are not scored. Prose that
// mentions SQL keywords next to comparisons ("or 2 = 2") will score as an
// injection. Rules should decode input with transformations before calling a
// detector.
package detect

import (
	"regexp"
	"strings"
)

// Detector scores a value. Implementations must be safe for concurrent use.
type Detector interface {
	Name() string
	Score(value string) Score
}

// Score is the sum of signal weights plus the text of the strongest signal.
type Score struct {
	Value    int
	Signals  []string
	Evidence string
}

const (
	DefaultSQLiThreshold = 3
	DefaultXSSThreshold  = 3
)

type signal struct {
	name   string
	weight int
	re     *regexp.Regexp
	// score, when set, replaces the fixed weight.
	score func(match []string) int
}

type signalDetector struct {
	name    string
	signals []signal
}

func (d *signalDetector) Name() string {
	return d.name
}

func (d *signalDetector) Score(value string) Score {
	var s Score
	if value == "" {
		return s
	}
	lowered := strings.ToLower(value)
	best := 0
	for _, sig := range d.signals {
		match := sig.re.FindStringSubmatch(lowered)
		if match == nil {
			continue
		}
		weight := sig.weight
		if sig.score != nil {
			weight = sig.score(match)
		}
		if weight <= 0 {
			continue
		}
		s.Value += weight
		s.Signals = append(s.Signals, sig.name)
		if weight > best {
			best = weight
			s.Evidence = match[0]
		}
	}
	return s
}
