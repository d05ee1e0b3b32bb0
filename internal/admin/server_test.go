package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilwaf/vigil/internal/policy"
	"github.com/vigilwaf/vigil/internal/rules"
	"github.com/vigilwaf/vigil/internal/seclang"
)

type fakeEngine struct {
	set       *rules.RuleSet
	reloadErr error
	reloads   int
}

func (f *fakeEngine) RuleSet() *rules.RuleSet { return f.set }
func (f *fakeEngine) Mode() policy.Mode       { return policy.ModeOn }
func (f *fakeEngine) Pending() int            { return 0 }
func (f *fakeEngine) Reload() error {
	f.reloads++
	return f.reloadErr
}

func newFake(t *testing.T) *fakeEngine {
	t.Helper()
	dirs, err := seclang.Parse("admin.conf", []byte(`
SecRule ARGS "@contains x" "id:10,phase:1,deny,msg:'x'"
SecRule ARGS "@contains y" "id:20,phase:2,pass"
`))
	require.NoError(t, err)
	set, err := rules.Compile(dirs, rules.Options{})
	require.NoError(t, err)
	return &fakeEngine{set: set}
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := NewHandler(newFake(t), Options{Token: "secret"})
	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["rules"])
}

func TestRulesRequireToken(t *testing.T) {
	h := NewHandler(newFake(t), Options{Token: "secret"})
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/rules", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/rules", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/rules", "secret").Code)
}

func TestListAndGetRules(t *testing.T) {
	h := NewHandler(newFake(t), Options{})

	rec := do(t, h, http.MethodGet, "/rules?phase=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rules []rules.Summary `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Rules, 1)
	assert.Equal(t, 20, list.Rules[0].ID)

	rec = do(t, h, http.MethodGet, "/rules/10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var one rules.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "x", one.Msg)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/rules/99", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/rules/abc", "").Code)
}

func TestReload(t *testing.T) {
	engine := newFake(t)
	h := NewHandler(engine, Options{})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/reload", "").Code)

	le := &rules.LoadError{}
	le.Add("rules.conf:3: duplicate rule id 10")
	engine.reloadErr = le
	rec := do(t, h, http.MethodPost, "/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate rule id 10")
	assert.Equal(t, 2, engine.reloads)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("vigil_up 1\n"))
	})
	h := NewHandler(newFake(t), Options{Metrics: metrics})
	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vigil_up")
}
