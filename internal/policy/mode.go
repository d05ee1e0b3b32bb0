// Package policy decides whether an engine decision is enforced.
package policy

import (
	"fmt"
	"strings"

	"github.com/vigilwaf/vigil/internal/txn"
)

type Mode string

const (
	// ModeOn enforces blocking dispositions.
	ModeOn Mode = "on"
	// ModeDetectionOnly evaluates and audits but always lets traffic pass.
	ModeDetectionOnly Mode = "detection_only"
	// ModeOff skips evaluation.
	ModeOff Mode = "off"
)

// ParseMode accepts the config spellings, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "on", "enforce":
		return ModeOn, nil
	case "detection_only", "detectiononly", "shadow":
		return ModeDetectionOnly, nil
	case "off":
		return ModeOff, nil
	default:
		return "", fmt.Errorf("unknown engine mode %q", s)
	}
}

func (m Mode) Evaluates() bool {
	return m == ModeOn || m == ModeDetectionOnly
}

type Action string

const (
	ActionAllow  Action = "allow"
	ActionBlock  Action = "block"
	ActionShadow Action = "shadow"
)

// DecideAction maps a disposition to what the gateway does under mode and
// reports whether the disposition is enforced.
func DecideAction(mode Mode, d txn.Disposition) (Action, bool) {
	if !d.Blocking() {
		return ActionAllow, false
	}

	switch mode {
	case ModeOn:
		return ActionBlock, true
	case ModeDetectionOnly:
		return ActionShadow, false
	default:
		return ActionAllow, false
	}
}

// Enforce returns the disposition the caller must apply.
func Enforce(mode Mode, d txn.Disposition) txn.Disposition {
	if _, enforced := DecideAction(mode, d); enforced {
		return d
	}
	return txn.Pass()
}
