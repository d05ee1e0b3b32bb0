package variables

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilwaf/vigil/internal/ratelimit"
	"github.com/vigilwaf/vigil/internal/txn"
)

func newTx(t *testing.T) *txn.Transaction {
	t.Helper()
	tx := txn.New("tx-1", "198.51.100.7")
	headers := http.Header{}
	headers.Set("User-Agent", "curl/8.0")
	headers.Set("Content-Type", "application/x-www-form-urlencoded")
	headers.Set("Cookie", "session=abc; theme=dark")
	tx.Request = txn.NewRequest("post", "/login?q=apple&page=2", "HTTP/1.1", headers)
	tx.Request.SetBody([]byte("user=alice&password=hunter2"))
	return tx
}

func resolve(t *testing.T, expr string, env Env) []Candidate {
	t.Helper()
	set, err := Parse(expr)
	require.NoError(t, err)
	got, err := set.Resolve(context.Background(), env)
	require.NoError(t, err)
	return got
}

func TestParse(t *testing.T) {
	set, err := Parse("ARGS|!ARGS:password|&REQUEST_HEADERS:host|ARGS_NAMES:/^us(er|r)$/")
	require.NoError(t, err)
	require.Len(t, set.Include, 3)
	require.Len(t, set.Exclude, 1)
	assert.True(t, set.Include[1].Count)
	assert.NotNil(t, set.Include[2].KeyRegex)
	assert.Equal(t, "password", set.Exclude[0].Key)

	for _, bad := range []string{"", "ARGS|", "!ARGS", "REQUEST_METHOD:x", "IP", "ARGS:/(/", "ar-gs"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolveCollections(t *testing.T) {
	env := Env{Tx: newTx(t)}

	got := resolve(t, "ARGS|!ARGS:password", env)
	assert.Equal(t, []Candidate{
		{Name: "ARGS:q", Value: "apple"},
		{Name: "ARGS:page", Value: "2"},
		{Name: "ARGS:user", Value: "alice"},
	}, got)

	got = resolve(t, "REQUEST_HEADERS:user-agent", env)
	require.Len(t, got, 1)
	assert.Equal(t, "curl/8.0", got[0].Value)

	got = resolve(t, "&ARGS", env)
	assert.Equal(t, []Candidate{{Name: "&ARGS", Value: "4"}}, got)

	got = resolve(t, "REQUEST_COOKIES_NAMES", env)
	assert.Len(t, got, 2)

	got = resolve(t, "ARGS_POST:/^pass/", env)
	assert.Equal(t, []Candidate{{Name: "ARGS_POST:password", Value: "hunter2"}}, got)
}

func TestResolveScalars(t *testing.T) {
	env := Env{Tx: newTx(t)}
	assert.Equal(t, "POST", resolve(t, "REQUEST_METHOD", env)[0].Value)
	assert.Equal(t, "/login", resolve(t, "REQUEST_FILENAME", env)[0].Value)
	assert.Equal(t, "q=apple&page=2", resolve(t, "QUERY_STRING", env)[0].Value)
	assert.Equal(t, "POST /login?q=apple&page=2 HTTP/1.1", resolve(t, "REQUEST_LINE", env)[0].Value)
	assert.Equal(t, "198.51.100.7", resolve(t, "REMOTE_ADDR", env)[0].Value)
	assert.Empty(t, resolve(t, "RESPONSE_STATUS", env))
}

func TestResolveUnknownVariable(t *testing.T) {
	set, err := Parse("NOT_A_VARIABLE|REQUEST_METHOD")
	require.NoError(t, err)
	got, err := set.Resolve(context.Background(), Env{Tx: newTx(t)})
	assert.ErrorIs(t, err, ErrUnknownVariable)
	assert.Len(t, got, 1, "known selectors still resolve")
}

func TestResolveTXAndCaptures(t *testing.T) {
	tx := newTx(t)
	tx.SetVar("Anomaly_Score", "5")
	tx.SetCaptures([]string{"full", "group1"})
	env := Env{Tx: tx}

	assert.Equal(t, "5", resolve(t, "TX:anomaly_score", env)[0].Value)
	assert.Equal(t, "group1", resolve(t, "TX:1", env)[0].Value)
}

func TestResolveIP(t *testing.T) {
	store := ratelimit.NewMemoryStore(0)
	tx := newTx(t)
	_, err := store.IncrBy(context.Background(), IPStoreKey(tx.IPKey(), "Requests"), 3, time.Minute)
	require.NoError(t, err)

	got := resolve(t, "IP:requests", Env{Tx: tx, Store: store})
	assert.Equal(t, []Candidate{{Name: "IP:requests", Value: "3"}}, got)
	assert.Empty(t, resolve(t, "IP:other", Env{Tx: tx, Store: store}))
}

func TestMacroExpand(t *testing.T) {
	tx := newTx(t)
	tx.SetVar("score", "7")
	tx.SetMatched("ARGS:q", "apple")
	env := Env{Tx: tx}

	m, err := CompileMacro("score=%{tx.score} from %{REMOTE_ADDR} on %{MATCHED_VAR_NAME}=%{MATCHED_VAR}%{tx.missing}")
	require.NoError(t, err)
	assert.False(t, m.Static())
	assert.Equal(t, "score=7 from 198.51.100.7 on ARGS:q=apple", m.Expand(context.Background(), env))

	static := MustCompileMacro("plain text")
	assert.True(t, static.Static())
	assert.Equal(t, "plain text", static.Expand(context.Background(), env))

	_, err = CompileMacro("broken %{tx.score")
	assert.Error(t, err)
}
