package operators

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vigilwaf/vigil/internal/txn"
	"github.com/vigilwaf/vigil/internal/variables"
)

func env() variables.Env {
	tx := txn.New("t", "192.0.2.1")
	tx.SetVar("limit", "10")
	return variables.Env{Tx: tx}
}

func eval(t *testing.T, expr, input string) Result {
	t.Helper()
	spec, err := Parse(expr)
	require.NoError(t, err)
	op, err := Compile(spec, Options{})
	require.NoError(t, err)
	res, err := op.Evaluate(context.Background(), env(), input)
	require.NoError(t, err)
	return res
}

func TestParse(t *testing.T) {
	spec, err := Parse("!@Contains admin panel")
	require.NoError(t, err)
	assert.Equal(t, Spec{Name: "contains", Arg: "admin panel", Negate: true}, spec)

	spec, err = Parse(`^/admin`)
	require.NoError(t, err)
	assert.Equal(t, Spec{Name: "rx", Arg: "^/admin"}, spec)

	_, err = Parse("@")
	assert.Error(t, err)
}

func TestCompileErrors(t *testing.T) {
	for _, expr := range []string{"@nope x", "@rx (", "@gt abc", "@contains", "@pm", "@detectSQLi -1", "@pmFromFile missing.txt"} {
		spec, err := Parse(expr)
		require.NoError(t, err)
		_, err = Compile(spec, Options{BaseDir: t.TempDir()})
		assert.Error(t, err, expr)
	}
}

func TestStringOperators(t *testing.T) {
	cases := []struct {
		expr  string
		input string
		want  bool
		value string
	}{
		{"@contains admin", "/admin/users", true, "admin"},
		{"@contains admin", "/users", false, ""},
		{"@beginsWith /api", "/api/v1", true, "/api"},
		{"@endsWith .php", "/index.php", true, ".php"},
		{"@streq true", "true", true, "true"},
		{"@streq true", "TRUE", false, ""},
		{"@within GET HEAD POST", "POST", true, "POST"},
		{"@within GET HEAD POST", "", false, ""},
		{"@unconditionalMatch", "anything", true, "anything"},
	}
	for _, tc := range cases {
		t.Run(tc.expr+"/"+tc.input, func(t *testing.T) {
			res := eval(t, tc.expr, tc.input)
			assert.Equal(t, tc.want, res.Matched)
			assert.Equal(t, tc.value, res.Value)
		})
	}
}

func TestRegexCaptures(t *testing.T) {
	res := eval(t, `@rx (?i)user=(\w+)`, "id=1&USER=bob")
	require.True(t, res.Matched)
	assert.Equal(t, []string{"USER=bob", "bob"}, res.Groups)
}

func TestPhraseMatch(t *testing.T) {
	res := eval(t, "@pm nikto sqlmap", "Mozilla/5.0 SQLMap/1.7")
	require.True(t, res.Matched)
	assert.Equal(t, "sqlmap", res.Value)
	assert.False(t, eval(t, "@pm nikto sqlmap", "Mozilla/5.0").Matched)

	// overlapping phrases exercise fail links
	m, err := NewAhoMatcher([]string{"he", "she", "hers"})
	require.NoError(t, err)
	ok, phrase := m.Match("ushers")
	assert.True(t, ok)
	assert.Equal(t, "she", phrase)
}

func TestPhraseMatchFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.txt"), []byte("# scanners\nnikto\n\nmasscan\n"), 0o600))

	spec, err := Parse("@pmFromFile agents.txt")
	require.NoError(t, err)
	op, err := Compile(spec, Options{BaseDir: dir})
	require.NoError(t, err)
	res, err := op.Evaluate(context.Background(), env(), "masscan/1.3")
	require.NoError(t, err)
	assert.True(t, res.Matched)
}

func TestNumericOperators(t *testing.T) {
	assert.True(t, eval(t, "@gt 5", "6").Matched)
	assert.False(t, eval(t, "@gt 5", "5").Matched)
	assert.True(t, eval(t, "@ge 5", " 5 ").Matched)
	assert.True(t, eval(t, "@lt 5", "-1").Matched)
	assert.True(t, eval(t, "@le 5", "5").Matched)
	assert.True(t, eval(t, "@eq 3", "3.0").Matched)
	assert.False(t, eval(t, "@eq 3", "three").Matched, "non-numeric input never matches")
	assert.True(t, eval(t, "@ge %{tx.limit}", "10").Matched)
}

func TestNumericMacroNotNumber(t *testing.T) {
	spec, err := Parse("@gt %{tx.missing}")
	require.NoError(t, err)
	op, err := Compile(spec, Options{})
	require.NoError(t, err)
	_, err = op.Evaluate(context.Background(), env(), "1")
	assert.Error(t, err)
}

func TestDetectors(t *testing.T) {
	res := eval(t, "@detectXSS", "<script>alert(1)</script>")
	assert.True(t, res.Matched)
	assert.NotEmpty(t, res.Value)

	assert.True(t, eval(t, "@detectSQLi", "1 UNION SELECT 1,2,3").Matched)
	assert.False(t, eval(t, "@detectSQLi", "green apples").Matched)
	assert.False(t, eval(t, "@detectSQLi 100", "1 UNION SELECT 1,2,3").Matched)
}

func TestNegationProperty(t *testing.T) {
	exprs := []string{
		"@contains ab", "@beginsWith a", "@endsWith z", "@streq abc", "@within abcdef",
		"@rx [0-9]+", "@pm foo bar", "@eq 1", "@gt 0", "@lt 100", "@ge 1", "@le 1",
		"@detectSQLi", "@detectXSS", "@unconditionalMatch",
	}
	rapid.Check(t, func(t *rapid.T) {
		expr := rapid.SampledFrom(exprs).Draw(t, "expr")
		input := rapid.String().Draw(t, "input")

		plainSpec, err := Parse(expr)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		negSpec := plainSpec
		negSpec.Negate = true

		plain, err := Compile(plainSpec, Options{})
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		neg, err := Compile(negSpec, Options{})
		if err != nil {
			t.Fatalf("compile: %v", err)
		}

		a, errA := plain.Evaluate(context.Background(), env(), input)
		b, errB := neg.Evaluate(context.Background(), env(), input)
		if errA != nil || errB != nil {
			t.Fatalf("unexpected errors %v %v", errA, errB)
		}
		if a.Matched == b.Matched {
			t.Fatalf("%s on %q: plain=%v negated=%v", expr, input, a.Matched, b.Matched)
		}
		if a.Value != b.Value {
			t.Fatalf("captured value changed under negation: %q vs %q", a.Value, b.Value)
		}
	})
}
