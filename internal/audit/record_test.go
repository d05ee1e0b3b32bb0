package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilwaf/vigil/internal/policy"
	"github.com/vigilwaf/vigil/internal/txn"
)

func sampleTransaction() *txn.Transaction {
	tx := txn.New("tx-1", "203.0.113.7")
	tx.Start = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	tx.Request = txn.NewRequest("POST", "/checkout?password=hunter2", "HTTP/1.1", http.Header{"Host": {"shop.example"}})
	tx.AddMatch(txn.Match{
		RuleID: 942100,
		Phase:  txn.PhaseRequestBody,
		Msg:    "SQL injection",
		Tags:   []string{"attack-sqli"},
		Value:  strings.Repeat("a", 100),
		Audit:  true,
	})
	tx.AddMatch(txn.Match{RuleID: 5, Phase: txn.PhaseRequestHeaders, Audit: false})
	tx.Decide(txn.Disposition{Action: txn.ActionDeny, Status: 403, RuleID: 942100})
	tx.RecordTiming(txn.PhaseRequestBody, 1500*time.Microsecond)
	return tx
}

func TestNewRecord(t *testing.T) {
	tx := sampleTransaction()
	rec := NewRecord(tx, policy.ModeOn, tx.Start.Add(20*time.Millisecond))

	assert.Equal(t, "tx-1", rec.TransactionID)
	assert.Equal(t, "shop.example", rec.Host)
	assert.Equal(t, "/checkout?password=[REDACTED]", rec.URI)
	assert.Equal(t, "block", rec.Action)
	assert.True(t, rec.Enforced)
	assert.Equal(t, int64(20), rec.DurationMS)
	assert.Equal(t, 1.5, rec.PhaseTimingsMS["request_body"])

	require.Len(t, rec.MatchedRules, 1, "noauditlog matches are excluded")
	assert.Equal(t, 942100, rec.MatchedRules[0].ID)
	assert.Len(t, rec.MatchedRules[0].Evidence, maxEvidence)
	assert.True(t, rec.Relevant())
}

func TestNewRecordRedactsMessage(t *testing.T) {
	tx := txn.New("tx-2", "203.0.113.7")
	tx.Request = txn.NewRequest("POST", "/pay", "HTTP/1.1", http.Header{})
	// msg:'bad value %{MATCHED_VAR}' after expansion.
	tx.AddMatch(txn.Match{
		RuleID:  100300,
		Phase:   txn.PhaseRequestBody,
		Msg:     "bad value 4111 1111 1111 1111 password=hunter2",
		LogData: "4111111111111111",
		Audit:   true,
	})

	rec := NewRecord(tx, policy.ModeOn, time.Now())
	require.Len(t, rec.MatchedRules, 1)
	msg := rec.MatchedRules[0].Msg
	assert.Contains(t, msg, "[REDACTED:pan]")
	assert.NotContains(t, msg, "4111")
	assert.NotContains(t, msg, "hunter2")
	assert.Equal(t, "[REDACTED:pan]", rec.MatchedRules[0].LogData)
}

func TestClipKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("a", maxEvidence-1) + "é"
	got := clip(s, maxEvidence)
	assert.Equal(t, strings.Repeat("a", maxEvidence-1), got)
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, "short", clip("short", maxEvidence))
	assert.Equal(t, "日本", clip("日本語", 7))
}

func TestNewRecordDetectionOnly(t *testing.T) {
	tx := sampleTransaction()
	rec := NewRecord(tx, policy.ModeDetectionOnly, tx.Start)

	assert.Equal(t, "shadow", rec.Action)
	assert.False(t, rec.Enforced)
	assert.Equal(t, txn.ActionDeny, rec.Disposition.Action)
}

func TestRedact(t *testing.T) {
	cases := map[string]string{
		"card=4111 1111 1111 1111":        "card=[REDACTED:pan]",
		"card=4111-1111-1111-1112":        "card=4111-1111-1111-1112",
		"order 1234567890123":             "order 1234567890123",
		"token=abc.def&x=1":               "token=[REDACTED]&x=1",
		"API_KEY=zzz":                     "API_KEY=[REDACTED]",
		"Authorization: Bearer eyJhbGc.x": "Authorization: Bearer [REDACTED]",
		"plain text":                      "plain text",
	}
	for in, want := range cases {
		assert.Equal(t, want, Redact(in), in)
	}
}

func TestWriterJSONL(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	tx := sampleTransaction()
	require.NoError(t, w.Write(NewRecord(tx, policy.ModeOn, tx.Start)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var parsed Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &parsed))
	assert.Equal(t, []int{942100}, parsed.RuleIDs())
	assert.Equal(t, 403, parsed.Disposition.Status)
}

func TestWriterRelevantOnly(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, RelevantOnly(true))

	quiet := txn.New("tx-quiet", "198.51.100.1")
	require.NoError(t, w.Write(NewRecord(quiet, policy.ModeOn, time.Now())))
	assert.Zero(t, buf.Len())

	tx := sampleTransaction()
	require.NoError(t, w.Write(NewRecord(tx, policy.ModeOn, time.Now())))
	assert.NotZero(t, buf.Len())
}

func TestWriterConcurrentLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	rec := NewRecord(sampleTransaction(), policy.ModeOn, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Write(rec))
		}()
	}
	wg.Wait()

	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for scanner.Scan() {
		var parsed Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &parsed))
		n++
	}
	assert.Equal(t, 20, n)
}

func TestOpenFileLocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	first, err := OpenFile(path)
	require.NoError(t, err)

	_, err = OpenFile(path)
	assert.True(t, errors.Is(err, ErrLocked), "got %v", err)

	require.NoError(t, first.Close())
	second, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
