package txn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// DefaultMaxBodyArgs caps the arguments parsed from one request body.
const DefaultMaxBodyArgs = 1000

type Arg struct {
	Name  string
	Value string
}

// Request is the request snapshot visible to rules.
type Request struct {
	Method   string
	URI      string
	Protocol string
	Headers  http.Header
	Body     []byte

	Path     string
	Query    string
	ArgsGet  []Arg
	ArgsPost []Arg
	Cookies  []Arg

	// MaxBodyArgs caps ARGS_POST; zero means DefaultMaxBodyArgs.
	MaxBodyArgs int

	// BodySkipped is set when the body exceeded the buffer limit and was
	// not inspected.
	BodySkipped bool
	// ArgsTruncated is set when the body held more than MaxBodyArgs values.
	ArgsTruncated bool
}

type Response struct {
	Status  int
	Headers http.Header
	Body    []byte

	BodySkipped bool
}

// NewRequest builds a snapshot and parses query arguments and cookies. The
// body is attached separately with SetBody so that phase 1 never sees it.
func NewRequest(method, uri, protocol string, headers http.Header) Request {
	if headers == nil {
		headers = http.Header{}
	}
	req := Request{
		Method:   strings.ToUpper(method),
		URI:      uri,
		Protocol: protocol,
		Headers:  headers,
	}

	path, query, _ := strings.Cut(uri, "?")
	if u, err := url.ParseRequestURI(uri); err == nil {
		path = u.Path
		query = u.RawQuery
	}
	req.Path = path
	req.Query = query
	req.ArgsGet = ParseQuery(query)
	req.Cookies = parseCookies(headers)
	return req
}

// SetBody attaches the body and parses ARGS_POST from urlencoded or JSON bodies.
func (r *Request) SetBody(body []byte) {
	r.Body = body
	r.ArgsPost = nil
	r.ArgsTruncated = false
	if len(body) == 0 {
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Headers.Get("Content-Type"))
	if err != nil {
		return
	}
	limit := r.MaxBodyArgs
	if limit <= 0 {
		limit = DefaultMaxBodyArgs
	}
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		args := ParseQuery(string(body))
		if len(args) > limit {
			args = args[:limit]
			r.ArgsTruncated = true
		}
		r.ArgsPost = args
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		r.ArgsPost, r.ArgsTruncated = flattenJSON(body, limit)
	}
}

// Args returns ARGS_GET followed by ARGS_POST.
func (r *Request) Args() []Arg {
	out := make([]Arg, 0, len(r.ArgsGet)+len(r.ArgsPost))
	out = append(out, r.ArgsGet...)
	out = append(out, r.ArgsPost...)
	return out
}

func (r *Request) Line() string {
	proto := r.Protocol
	if proto == "" {
		proto = "HTTP/1.1"
	}
	return fmt.Sprintf("%s %s %s", r.Method, r.URI, proto)
}

// ParseQuery parses a query string preserving argument order. Malformed
// escapes are kept verbatim rather than dropped.
func ParseQuery(raw string) []Arg {
	if raw == "" {
		return nil
	}
	var out []Arg
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		out = append(out, Arg{Name: unescape(name), Value: unescape(value)})
	}
	return out
}

func unescape(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

func parseCookies(headers http.Header) []Arg {
	if len(headers.Values("Cookie")) == 0 {
		return nil
	}
	req := &http.Request{Header: headers}
	cookies := req.Cookies()
	out := make([]Arg, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, Arg{Name: c.Name, Value: c.Value})
	}
	return out
}

// flattenJSON returns the leaf values of a JSON document in a stable order
// (object keys sorted) and reports whether more than max leaves were present.
func flattenJSON(body []byte, max int) ([]Arg, bool) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var v any
	if err := decoder.Decode(&v); err != nil {
		return nil, false
	}
	w := jsonWalker{max: max}
	w.walk("", v)
	return w.out, w.truncated
}

type jsonWalker struct {
	out       []Arg
	max       int
	truncated bool
}

func (w *jsonWalker) walk(prefix string, v any) {
	if w.truncated {
		return
	}
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.walk(joinKey(prefix, k), x[k])
		}
	case []any:
		for i, vv := range x {
			w.walk(joinKey(prefix, strconv.Itoa(i)), vv)
		}
	case string:
		w.add(prefix, x)
	case json.Number:
		w.add(prefix, x.String())
	case bool:
		w.add(prefix, strconv.FormatBool(x))
	case nil:
		w.add(prefix, "")
	}
}

func (w *jsonWalker) add(name, value string) {
	if len(w.out) >= w.max {
		w.truncated = true
		return
	}
	w.out = append(w.out, Arg{Name: name, Value: value})
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
