package operators

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vigilwaf/vigil/internal/detect"
	"github.com/vigilwaf/vigil/internal/variables"
)

// detectorOp matches when the detector score reaches the threshold.
type detectorOp struct {
	detector  detect.Detector
	threshold int
}

func (o detectorOp) Evaluate(_ context.Context, _ variables.Env, input string) (Result, error) {
	score := o.detector.Score(input)
	if score.Value < o.threshold {
		return Result{}, nil
	}
	return Result{Matched: true, Value: score.Evidence}, nil
}

// newDetectSQLi accepts an optional threshold argument overriding the
// configured one, e.g. "@detectSQLi 5".
func newDetectSQLi(arg string, opts Options) (Operator, error) {
	d := opts.SQLi
	if d == nil {
		d = detect.NewSQLi()
	}
	return newDetector(d, arg, opts.SQLiThreshold, detect.DefaultSQLiThreshold)
}

func newDetectXSS(arg string, opts Options) (Operator, error) {
	d := opts.XSS
	if d == nil {
		d = detect.NewXSS()
	}
	return newDetector(d, arg, opts.XSSThreshold, detect.DefaultXSSThreshold)
}

func newDetector(d detect.Detector, arg string, configured, fallback int) (Operator, error) {
	threshold := configured
	if threshold <= 0 {
		threshold = fallback
	}
	if arg = strings.TrimSpace(arg); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("threshold %q must be a positive integer", arg)
		}
		threshold = n
	}
	return detectorOp{detector: d, threshold: threshold}, nil
}
