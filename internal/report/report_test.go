package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilwaf/vigil/internal/audit"
	"github.com/vigilwaf/vigil/internal/txn"
)

func sampleRecords() []audit.Record {
	deny := txn.Disposition{Action: txn.ActionDeny, Status: 403, RuleID: 942100}
	return []audit.Record{
		{Timestamp: time.Unix(0, 0), Action: "allow", Disposition: txn.Pass(), DurationMS: 10},
		{
			Timestamp:   time.Unix(1, 0),
			Action:      "block",
			ClientIP:    "1.1.1.1",
			Disposition: deny,
			DurationMS:  30,
			MatchedRules: []audit.MatchedRule{
				{ID: 942100, Msg: "SQL injection attack detected", Tags: []string{"attack-sqli"}},
			},
			Diagnostics: []txn.Diagnostic{{Kind: txn.DiagTransform}},
		},
		{
			Timestamp:    time.Unix(2, 0),
			Action:       "shadow",
			ClientIP:     "2.2.2.2",
			Disposition:  deny,
			DurationMS:   20,
			MatchedRules: []audit.MatchedRule{{ID: 942100, Msg: "SQL injection attack detected", Tags: []string{"attack-sqli"}}},
		},
	}
}

func TestSummarize(t *testing.T) {
	summary := Summarize(sampleRecords())
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Allowed)
	assert.Equal(t, 1, summary.Blocked)
	assert.Equal(t, 1, summary.Shadowed)
	assert.Equal(t, map[string]int{"pass": 1, "deny": 2}, summary.Dispositions)
	require.Len(t, summary.TopRules, 1)
	assert.Equal(t, CountItem{Key: "942100 SQL injection attack detected", Count: 2}, summary.TopRules[0])
	assert.Equal(t, []CountItem{{Key: "attack-sqli", Count: 2}}, summary.TopTags)
	assert.Len(t, summary.TopClients, 2)
	assert.Equal(t, []CountItem{{Key: txn.DiagTransform, Count: 1}}, summary.Anomalies)
	assert.Equal(t, time.Unix(2, 0), summary.End)
	assert.Equal(t, 20.0, summary.Latency.P50)
}

func TestReaderSince(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := audit.NewWriter(f)
	for _, rec := range sampleRecords() {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, f.Close())

	records, err := (&Reader{Since: time.Unix(1, 0)}).Read(path)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestReaderReportsBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\nnot json\n"), 0o600))
	_, err := (&Reader{}).Read(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2:")
}

func TestRender(t *testing.T) {
	summary := Summarize(sampleRecords())
	text := RenderText(summary)
	assert.Contains(t, text, "Dispositions: deny=2 pass=1")
	assert.True(t, strings.HasPrefix(RenderMarkdown(summary), "# Vigil Report"))

	_, err := RenderJSON(Summary{Total: 1})
	assert.NoError(t, err)
}
