package txn

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideIsIdempotentOnceBlocked(t *testing.T) {
	tx := New("tx-1", "203.0.113.1")
	require.True(t, tx.Decide(Disposition{Action: ActionDeny, Status: 403, RuleID: 10}))
	assert.False(t, tx.Decide(Disposition{Action: ActionRedirect, URL: "/x", RuleID: 20}))
	assert.False(t, tx.Decide(Pass()))

	d := tx.Disposition()
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, 10, d.RuleID)
}

func TestEnterPhaseMonotonic(t *testing.T) {
	tx := New("tx-1", "")
	require.NoError(t, tx.EnterPhase(PhaseRequestHeaders))
	require.NoError(t, tx.EnterPhase(PhaseResponseHeaders))
	assert.Error(t, tx.EnterPhase(PhaseRequestBody))
	assert.Error(t, tx.EnterPhase(Phase(9)))
}

func TestVarsCaseInsensitive(t *testing.T) {
	tx := New("tx-1", "")
	tx.SetVar("Anomaly_Score", "5")
	v, ok := tx.Var("anomaly_score")
	require.True(t, ok)
	assert.Equal(t, "5", v)

	tx.DeleteVar("ANOMALY_SCORE")
	_, ok = tx.Var("anomaly_score")
	assert.False(t, ok)
}

func TestMarkLoggedOnce(t *testing.T) {
	tx := New("tx-1", "")
	assert.True(t, tx.MarkLogged())
	assert.False(t, tx.MarkLogged())
}

func TestNewRequestParsesArgsAndCookies(t *testing.T) {
	headers := http.Header{"Cookie": []string{"session=abc; theme=dark"}}
	req := NewRequest("get", "/products?q=1%20OR%201=1&bad=%zz", "HTTP/1.1", headers)

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/products", req.Path)
	require.Len(t, req.ArgsGet, 2)
	assert.Equal(t, Arg{Name: "q", Value: "1 OR 1=1"}, req.ArgsGet[0])
	assert.Equal(t, Arg{Name: "bad", Value: "%zz"}, req.ArgsGet[1])
	require.Len(t, req.Cookies, 2)
	assert.Equal(t, "session", req.Cookies[0].Name)
	assert.Equal(t, "GET /products?q=1%20OR%201=1&bad=%zz HTTP/1.1", req.Line())
}

func TestSetBodyJSONFlattens(t *testing.T) {
	req := NewRequest("POST", "/comments", "", http.Header{"Content-Type": []string{"application/json; charset=utf-8"}})
	req.SetBody([]byte(`{"comment":"1 OR 1=1","user":{"isAdmin":true},"tags":["a"]}`))

	got := map[string]string{}
	for _, a := range req.ArgsPost {
		got[a.Name] = a.Value
	}
	assert.Equal(t, "1 OR 1=1", got["comment"])
	assert.Equal(t, "true", got["user.isAdmin"])
	assert.Equal(t, "a", got["tags.0"])
}

func TestSetBodyJSONKeyOrderIsStable(t *testing.T) {
	body := []byte(`{"zeta":"1","alpha":{"b":"2","a":"3"},"mid":["4","5"],"beta":"6"}`)
	want := []Arg{
		{Name: "alpha.a", Value: "3"},
		{Name: "alpha.b", Value: "2"},
		{Name: "beta", Value: "6"},
		{Name: "mid.0", Value: "4"},
		{Name: "mid.1", Value: "5"},
		{Name: "zeta", Value: "1"},
	}
	for i := 0; i < 20; i++ {
		req := NewRequest("POST", "/api", "", http.Header{"Content-Type": []string{"application/json"}})
		req.SetBody(body)
		require.Equal(t, want, req.ArgsPost)
		require.False(t, req.ArgsTruncated)
	}
}

func TestSetBodyJSONTruncates(t *testing.T) {
	values := strings.Repeat("0,", 5) + `"<script>alert(1)</script>"`
	req := NewRequest("POST", "/api", "", http.Header{"Content-Type": []string{"application/json"}})
	req.MaxBodyArgs = 5
	req.SetBody([]byte("[" + values + "]"))

	assert.True(t, req.ArgsTruncated)
	require.Len(t, req.ArgsPost, 5)
	for _, a := range req.ArgsPost {
		assert.Equal(t, "0", a.Value)
	}

	req.MaxBodyArgs = 6
	req.SetBody([]byte("[" + values + "]"))
	assert.False(t, req.ArgsTruncated)
	assert.Len(t, req.ArgsPost, 6)
}

func TestSetBodyFormTruncates(t *testing.T) {
	req := NewRequest("POST", "/signup", "", http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}})
	req.MaxBodyArgs = 2
	req.SetBody([]byte("a=1&b=2&c=3"))
	assert.True(t, req.ArgsTruncated)
	assert.Len(t, req.ArgsPost, 2)
}

func TestSetBodyForm(t *testing.T) {
	req := NewRequest("POST", "/signup", "", http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}})
	req.SetBody([]byte("name=bob&isAdmin=true"))
	require.Len(t, req.ArgsPost, 2)
	assert.Equal(t, "isAdmin", req.ArgsPost[1].Name)
	assert.Len(t, req.Args(), 2)
}
