package rules

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilwaf/vigil/internal/operators"
	"github.com/vigilwaf/vigil/internal/ratelimit"
	"github.com/vigilwaf/vigil/internal/seclang"
	"github.com/vigilwaf/vigil/internal/txn"
	"github.com/vigilwaf/vigil/internal/variables"
)

func compile(t *testing.T, src string) *RuleSet {
	t.Helper()
	dirs, err := seclang.Parse("test.conf", []byte(src))
	require.NoError(t, err)
	set, err := Compile(dirs, Options{DefaultDenyStatus: 403})
	require.NoError(t, err)
	return set
}

func newEnv(uri string, headers http.Header, body string) variables.Env {
	tx := txn.New("tx", "192.0.2.10")
	tx.Request = txn.NewRequest("GET", uri, "HTTP/1.1", headers)
	if body != "" {
		tx.Request.Method = http.MethodPost
		tx.Request.SetBody([]byte(body))
	}
	return variables.Env{Tx: tx, Store: ratelimit.NewMemoryStore(0)}
}

func matchedIDs(tx *txn.Transaction) []int {
	var ids []int
	for _, m := range tx.Matches() {
		ids = append(ids, m.RuleID)
	}
	return ids
}

func TestRulesRunInIDOrder(t *testing.T) {
	set := compile(t, `
SecRule ARGS "@contains a" "id:30,phase:1,pass,setvar:tx.order=%{tx.order}3"
SecRule ARGS "@contains a" "id:10,phase:1,pass,setvar:tx.order=%{tx.order}1"
SecRule ARGS "@contains a" "id:20,phase:1,pass,setvar:tx.order=%{tx.order}2"
`)
	env := newEnv("/?x=a", nil, "")
	res := set.EvaluatePhase(context.Background(), env, txn.PhaseRequestHeaders)
	assert.Equal(t, []int{10, 20, 30}, res.Matched)
	v, _ := env.Tx.Var("order")
	assert.Equal(t, "123", v)
}

func TestDenyStopsPhase(t *testing.T) {
	set := compile(t, `
SecRule ARGS:q "@detectXSS" "id:100,phase:1,deny,status:403,msg:'XSS in %{MATCHED_VAR_NAME}'"
SecRule ARGS "@unconditionalMatch" "id:101,phase:1,redirect:/elsewhere"
`)
	env := newEnv("/search?q=%3Cscript%3Ealert(1)%3C/script%3E", nil, "")
	res := set.EvaluatePhase(context.Background(), env, txn.PhaseRequestHeaders)

	assert.Equal(t, []int{100}, res.Matched)
	d := env.Tx.Disposition()
	assert.Equal(t, txn.ActionDeny, d.Action)
	assert.Equal(t, 403, d.Status)
	assert.Equal(t, 100, d.RuleID)
	require.Len(t, env.Tx.Matches(), 1)
	assert.Equal(t, "XSS in ARGS:q", env.Tx.Matches()[0].Msg)

	// Later phases do nothing once blocked.
	res = set.EvaluatePhase(context.Background(), env, txn.PhaseRequestBody)
	assert.Zero(t, res.Evaluated)
}

func TestChainRequiresEveryLink(t *testing.T) {
	set := compile(t, `
SecRule REQUEST_HEADERS:Content-Type "@contains json" "id:200,phase:2,deny,status:403,chain,msg:'SQLi in JSON body'"
    SecRule REQUEST_BODY "@detectSQLi" "setvar:tx.sqli=1"
SecRule ARGS "@unconditionalMatch" "id:201,phase:2,pass,setvar:tx.after=1"
`)
	json := http.Header{"Content-Type": []string{"application/json"}}

	env := newEnv("/comment", json, `{"comment":"1 OR 1=1"}`)
	set.EvaluatePhase(context.Background(), env, txn.PhaseRequestBody)
	assert.Equal(t, txn.ActionDeny, env.Tx.Disposition().Action)
	v, _ := env.Tx.Var("sqli")
	assert.Equal(t, "1", v, "link actions run with the chain")

	// Head matches, link does not: no actions, evaluation resumes after the chain.
	env = newEnv("/comment", json, `{"comment":"lovely tomatoes"}`)
	res := set.EvaluatePhase(context.Background(), env, txn.PhaseRequestBody)
	assert.Equal(t, txn.ActionPass, env.Tx.Disposition().Action)
	assert.Equal(t, []int{201}, res.Matched)
	_, ok := env.Tx.Var("sqli")
	assert.False(t, ok)
}

func TestSkipAndSkipAfter(t *testing.T) {
	set := compile(t, `
SecAction "id:1,phase:1,pass,skip:1"
SecAction "id:2,phase:1,pass,setvar:tx.two=1"
SecAction "id:3,phase:1,pass,skipAfter:5"
SecAction "id:4,phase:1,pass,setvar:tx.four=1"
SecAction "id:5,phase:1,pass,setvar:tx.five=1"
SecAction "id:6,phase:1,pass,setvar:tx.six=1"
`)
	env := newEnv("/", nil, "")
	res := set.EvaluatePhase(context.Background(), env, txn.PhaseRequestHeaders)
	assert.Equal(t, []int{1, 3, 6}, res.Matched)
}

func TestAllowEndsPhaseOnly(t *testing.T) {
	set := compile(t, `
SecRule REQUEST_FILENAME "@beginsWith /health" "id:10,phase:1,allow"
SecAction "id:11,phase:1,deny"
SecAction "id:20,phase:2,pass,setvar:tx.phase2=1"
`)
	env := newEnv("/healthz", nil, "")
	res := set.EvaluatePhase(context.Background(), env, txn.PhaseRequestHeaders)
	assert.True(t, res.Allowed)
	assert.Equal(t, txn.ActionPass, env.Tx.Disposition().Action)

	set.EvaluatePhase(context.Background(), env, txn.PhaseRequestBody)
	_, ok := env.Tx.Var("phase2")
	assert.True(t, ok)
}

func TestLoggingPhaseIgnoresDisruptive(t *testing.T) {
	set := compile(t, `
SecAction "id:1,phase:1,deny,status:401"
SecAction "id:500,phase:5,drop,setvar:tx.logged=1"
`)
	env := newEnv("/", nil, "")
	set.EvaluatePhase(context.Background(), env, txn.PhaseRequestHeaders)
	res := set.EvaluatePhase(context.Background(), env, txn.PhaseLogging)
	assert.Equal(t, []int{500}, res.Matched, "phase 5 runs even when blocked")
	assert.Equal(t, txn.Disposition{Action: txn.ActionDeny, Status: 401, RuleID: 1}, env.Tx.Disposition())
}

func TestNegatedOperatorAndMatchAll(t *testing.T) {
	set := compile(t, `
SecRule REQUEST_METHOD "!@within GET HEAD POST" "id:1,phase:1,deny,status:405"
SecRule ARGS "@rx ^[0-9]+$" "id:2,phase:1,pass,matchall,setvar:tx.numeric=1"
`)
	env := newEnv("/?a=1&b=2", nil, "")
	set.EvaluatePhase(context.Background(), env, txn.PhaseRequestHeaders)
	assert.False(t, env.Tx.Blocked())
	_, ok := env.Tx.Var("numeric")
	assert.True(t, ok)

	env = newEnv("/?a=1&b=x", nil, "")
	env.Tx.Request.Method = "TRACE"
	set.EvaluatePhase(context.Background(), env, txn.PhaseRequestHeaders)
	assert.Equal(t, 405, env.Tx.Disposition().Status)
}

func TestCaptureAndMacros(t *testing.T) {
	set := compile(t, `
SecRule ARGS:user "@rx ^(adm)(in)$" "id:1,phase:1,pass,capture,setvar:tx.who=%{TX.1}%{tx.2}"
`)
	env := newEnv("/?user=admin", nil, "")
	set.EvaluatePhase(context.Background(), env, txn.PhaseRequestHeaders)
	v, _ := env.Tx.Var("who")
	assert.Equal(t, "admin", v)
}

func TestAnomaliesBecomeDiagnostics(t *testing.T) {
	set := compile(t, `
SecRule NOT_A_VARIABLE "@contains x" "id:1,phase:1,deny"
SecRule ARGS "@gt %{tx.limit}" "id:2,phase:1,deny"
SecRule ARGS "@contains %zz" "id:3,phase:1,pass,t:urlDecode"
`)
	env := newEnv("/?n=5&p=%25zz", nil, "")
	set.EvaluatePhase(context.Background(), env, txn.PhaseRequestHeaders)

	kinds := map[string]bool{}
	for _, d := range env.Tx.Diagnostics() {
		kinds[d.Kind] = true
	}
	assert.True(t, kinds[txn.DiagUnknownVariable])
	assert.True(t, kinds[txn.DiagOperator])
	assert.True(t, kinds[txn.DiagTransform])
	assert.False(t, env.Tx.Blocked())
	assert.Equal(t, []int{3}, matchedIDs(env.Tx))
}

func TestUnknownVariableFailsWholeRule(t *testing.T) {
	set := compile(t, `
SecRule ARGS|BOGUS "@contains admin" "id:1,phase:1,deny"
SecRule ARGS "@contains admin" "id:2,phase:1,pass"
`)
	env := newEnv("/?user=admin", nil, "")
	set.EvaluatePhase(context.Background(), env, txn.PhaseRequestHeaders)

	assert.False(t, env.Tx.Blocked())
	assert.Equal(t, []int{2}, matchedIDs(env.Tx))
	require.NotEmpty(t, env.Tx.Diagnostics())
	assert.Equal(t, txn.DiagUnknownVariable, env.Tx.Diagnostics()[0].Kind)
	assert.Equal(t, 1, env.Tx.Diagnostics()[0].RuleID)
}

type panicOperator struct{}

func (panicOperator) Evaluate(context.Context, variables.Env, string) (operators.Result, error) {
	panic("boom")
}

func TestPanicIsRecovered(t *testing.T) {
	set := compile(t, `
SecRule ARGS "@contains x" "id:1,phase:1,deny"
SecAction "id:2,phase:1,pass,setvar:tx.ran=1"
`)
	rule, ok := set.Rule(1)
	require.True(t, ok)
	rule.Links[0].Operator = panicOperator{}

	env := newEnv("/?a=x", nil, "")
	set.EvaluatePhase(context.Background(), env, txn.PhaseRequestHeaders)
	assert.False(t, env.Tx.Blocked())
	_, ran := env.Tx.Var("ran")
	assert.True(t, ran)
	require.NotEmpty(t, env.Tx.Diagnostics())
	assert.Equal(t, txn.DiagPanic, env.Tx.Diagnostics()[0].Kind)
}

func TestCompileErrors(t *testing.T) {
	cases := map[string]string{
		"dangling skipAfter": `SecAction "id:1,phase:1,pass,skipAfter:99"`,
		"backward skipAfter": "SecAction \"id:5,phase:1,pass\"\nSecAction \"id:6,phase:1,pass,skipAfter:5\"",
		"other phase target": "SecAction \"id:1,phase:1,pass,skipAfter:2\"\nSecAction \"id:2,phase:2,pass\"",
		"missing id":         `SecRule ARGS "@contains x" "phase:1,deny"`,
		"duplicate id":       "SecAction \"id:1,pass\"\nSecAction \"id:1,pass\"",
		"unterminated chain": `SecRule ARGS "@contains x" "id:1,chain,deny"`,
		"link with id":       "SecRule ARGS \"x\" \"id:1,chain,deny\"\nSecRule ARGS \"y\" \"id:2\"",
		"link disruptive":    "SecRule ARGS \"x\" \"id:1,chain,deny\"\nSecRule ARGS \"y\" \"drop\"",
		"unknown operator":   `SecRule ARGS "@fuzzy x" "id:1,deny"`,
		"unknown transform":  `SecRule ARGS "x" "id:1,deny,t:rot13"`,
		"bad selector":       `SecRule "ARGS|" "x" "id:1,deny"`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			dirs, err := seclang.Parse("bad.conf", []byte(src))
			require.NoError(t, err)
			_, err = Compile(dirs, Options{})
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.NotEmpty(t, le.Problems)
		})
	}
}

func TestCompileErrorInChainReportedOnce(t *testing.T) {
	src := "SecRule ARGS \"@bogus\" \"id:1,chain,deny\"\nSecRule ARGS \"y\" \"t:none\"\n"
	dirs, err := seclang.Parse("bad.conf", []byte(src))
	require.NoError(t, err)
	_, err = Compile(dirs, Options{})
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Len(t, le.Problems, 1)
}

func TestLoadFilesAndSummaries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.conf"), []byte(`
SecRule ARGS "@detectSQLi" "id:942100,phase:2,block,msg:'SQL injection',tag:'attack-sqli'"
SecAction "id:900000,phase:1,pass,nolog"
`), 0o600))

	set, err := Load([]string{filepath.Join(dir, "*.conf")}, Options{Operators: operators.Options{SQLiThreshold: 3}})
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Len(t, set.Files(), 1)

	sums := set.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, 900000, sums[0].ID)
	assert.Equal(t, "@detectsqli", sums[1].Operator)
	assert.Equal(t, "block", sums[1].Action)
	assert.Equal(t, []string{"attack-sqli"}, sums[1].Tags)

	_, err = Load([]string{filepath.Join(dir, "none-*.conf")}, Options{})
	var le *LoadError
	assert.ErrorAs(t, err, &le)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("x", maxDiagnosticDetail-1) + "ü"
	got := truncate(s)
	assert.Len(t, got, maxDiagnosticDetail-1)
	assert.True(t, utf8.ValidString(got))
}
