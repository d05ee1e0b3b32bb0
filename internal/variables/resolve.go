package variables

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vigilwaf/vigil/internal/ratelimit"
	"github.com/vigilwaf/vigil/internal/txn"
)

// Candidate is one resolved (name, value) pair.
type Candidate struct {
	Name  string
	Value string
}

// Env is what a selector resolves against.
type Env struct {
	Tx    *txn.Transaction
	Store ratelimit.Store
}

// member is an element of a collection; scalars have an empty key.
type member struct {
	key   string
	value string
}

type collectionFunc func(tx *txn.Transaction) []member

type scalarFunc func(tx *txn.Transaction) (string, bool)

var collections = map[string]collectionFunc{
	"ARGS":                  func(tx *txn.Transaction) []member { return args(tx.Request.Args()) },
	"ARGS_GET":              func(tx *txn.Transaction) []member { return args(tx.Request.ArgsGet) },
	"ARGS_POST":             func(tx *txn.Transaction) []member { return args(tx.Request.ArgsPost) },
	"ARGS_NAMES":            func(tx *txn.Transaction) []member { return names(args(tx.Request.Args())) },
	"REQUEST_HEADERS":       func(tx *txn.Transaction) []member { return headers(tx.Request.Headers) },
	"REQUEST_HEADERS_NAMES": func(tx *txn.Transaction) []member { return names(headers(tx.Request.Headers)) },
	"REQUEST_COOKIES":       func(tx *txn.Transaction) []member { return args(tx.Request.Cookies) },
	"REQUEST_COOKIES_NAMES": func(tx *txn.Transaction) []member { return names(args(tx.Request.Cookies)) },
	"RESPONSE_HEADERS":      func(tx *txn.Transaction) []member { return headers(tx.Response.Headers) },
	"TX":                    txVars,
}

var scalars = map[string]scalarFunc{
	"REQUEST_METHOD":   func(tx *txn.Transaction) (string, bool) { return tx.Request.Method, true },
	"REQUEST_URI":      func(tx *txn.Transaction) (string, bool) { return tx.Request.URI, true },
	"REQUEST_FILENAME": func(tx *txn.Transaction) (string, bool) { return tx.Request.Path, true },
	"REQUEST_LINE":     func(tx *txn.Transaction) (string, bool) { return tx.Request.Line(), true },
	"REQUEST_PROTOCOL": func(tx *txn.Transaction) (string, bool) { return tx.Request.Protocol, true },
	"QUERY_STRING":     func(tx *txn.Transaction) (string, bool) { return tx.Request.Query, true },
	"REQUEST_BODY":     func(tx *txn.Transaction) (string, bool) { return string(tx.Request.Body), true },
	"REQUEST_BODY_LENGTH": func(tx *txn.Transaction) (string, bool) {
		return strconv.Itoa(len(tx.Request.Body)), true
	},
	"REMOTE_ADDR": func(tx *txn.Transaction) (string, bool) { return tx.ClientAddr, true },
	"RESPONSE_STATUS": func(tx *txn.Transaction) (string, bool) {
		if tx.Response.Status == 0 {
			return "", false
		}
		return strconv.Itoa(tx.Response.Status), true
	},
	"RESPONSE_BODY": func(tx *txn.Transaction) (string, bool) { return string(tx.Response.Body), true },
	"MATCHED_VAR": func(tx *txn.Transaction) (string, bool) {
		_, v := tx.Matched()
		return v, true
	},
	"MATCHED_VAR_NAME": func(tx *txn.Transaction) (string, bool) {
		n, _ := tx.Matched()
		return n, true
	},
	"UNIQUE_ID": func(tx *txn.Transaction) (string, bool) { return tx.ID, true },
}

// Known reports whether name is a variable this package can resolve.
func Known(name string) bool {
	name = strings.ToUpper(name)
	if _, ok := collections[name]; ok {
		return true
	}
	if _, ok := scalars[name]; ok {
		return true
	}
	return name == "IP"
}

// IPStoreKey is the shared store key of variable name in the IP collection
// of client ipKey.
func IPStoreKey(ipKey, name string) string {
	return "ip:" + ipKey + ":" + strings.ToLower(name)
}

// Resolve expands every included selector into candidates, minus excluded
// ones. Unknown variables and store failures are returned joined alongside
// whatever did resolve.
func (s Set) Resolve(ctx context.Context, env Env) ([]Candidate, error) {
	var (
		out  []Candidate
		errs []error
	)
	for _, sel := range s.Include {
		found, err := resolveOne(ctx, env, sel, s.Exclude)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sel.Count {
			out = append(out, Candidate{Name: sel.String(), Value: strconv.Itoa(len(found))})
			continue
		}
		out = append(out, found...)
	}
	return out, errors.Join(errs...)
}

func resolveOne(ctx context.Context, env Env, sel Selector, exclude []Selector) ([]Candidate, error) {
	if fn, ok := scalars[sel.Name]; ok {
		if excluded(sel.Name, "", exclude) {
			return nil, nil
		}
		v, ok := fn(env.Tx)
		if !ok {
			return nil, nil
		}
		return []Candidate{{Name: sel.Name, Value: v}}, nil
	}

	if sel.Name == "IP" {
		return resolveIP(ctx, env, sel)
	}

	fn, ok := collections[sel.Name]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownVariable, sel.Name)
	}

	var members []member
	if sel.Name == "TX" && sel.Key != "" && isCaptureIndex(sel.Key) {
		i, _ := strconv.Atoi(sel.Key)
		if v, ok := env.Tx.Capture(i); ok {
			members = []member{{key: sel.Key, value: v}}
		}
	} else {
		members = fn(env.Tx)
	}

	var out []Candidate
	for _, m := range members {
		if !sel.matchesKey(m.key) || excluded(sel.Name, m.key, exclude) {
			continue
		}
		out = append(out, Candidate{Name: sel.Name + ":" + m.key, Value: m.value})
	}
	return out, nil
}

func resolveIP(ctx context.Context, env Env, sel Selector) ([]Candidate, error) {
	if env.Store == nil {
		return nil, errors.New("IP collection has no store")
	}
	v, ok, err := env.Store.Get(ctx, IPStoreKey(env.Tx.IPKey(), sel.Key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []Candidate{{Name: "IP:" + strings.ToLower(sel.Key), Value: v}}, nil
}

func excluded(name, key string, exclude []Selector) bool {
	for _, ex := range exclude {
		if ex.Name == name && ex.matchesKey(key) {
			return true
		}
	}
	return false
}

func isCaptureIndex(key string) bool {
	return len(key) == 1 && key[0] >= '0' && key[0] <= '9'
}

func args(in []txn.Arg) []member {
	out := make([]member, len(in))
	for i, a := range in {
		out[i] = member{key: a.Name, value: a.Value}
	}
	return out
}

func names(in []member) []member {
	out := make([]member, len(in))
	for i, m := range in {
		out[i] = member{key: m.key, value: m.key}
	}
	return out
}

func headers(h map[string][]string) []member {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []member
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, member{key: k, value: v})
		}
	}
	return out
}

func txVars(tx *txn.Transaction) []member {
	var out []member
	for _, name := range tx.VarNames() {
		v, _ := tx.Var(name)
		out = append(out, member{key: name, value: v})
	}
	return out
}
