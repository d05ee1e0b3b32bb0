package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilwaf/vigil/internal/txn"
)

func TestDecideAction(t *testing.T) {
	deny := txn.Disposition{Action: txn.ActionDeny, Status: 403, RuleID: 1}
	cases := []struct {
		name       string
		mode       Mode
		d          txn.Disposition
		wantAction Action
		wantBlock  bool
	}{
		{"pass", ModeOn, txn.Pass(), ActionAllow, false},
		{"on-deny", ModeOn, deny, ActionBlock, true},
		{"on-drop", ModeOn, txn.Disposition{Action: txn.ActionDrop}, ActionBlock, true},
		{"detection-only", ModeDetectionOnly, deny, ActionShadow, false},
		{"off", ModeOff, deny, ActionAllow, false},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			action, block := DecideAction(tt.mode, tt.d)
			assert.Equal(t, tt.wantAction, action)
			assert.Equal(t, tt.wantBlock, block)
		})
	}
}

func TestEnforce(t *testing.T) {
	deny := txn.Disposition{Action: txn.ActionDeny, Status: 403}
	assert.Equal(t, deny, Enforce(ModeOn, deny))
	assert.Equal(t, txn.Pass(), Enforce(ModeDetectionOnly, deny))
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":              ModeOn,
		"On":            ModeOn,
		"DetectionOnly": ModeDetectionOnly,
		"shadow":        ModeDetectionOnly,
		"OFF":           ModeOff,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("learn")
	assert.Error(t, err)
}
