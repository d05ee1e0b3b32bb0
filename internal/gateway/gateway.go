// Package gateway is the reverse proxy that feeds traffic through the
// inspection engine and enforces its dispositions.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigilwaf/vigil/internal/config"
	"github.com/vigilwaf/vigil/internal/logging"
	"github.com/vigilwaf/vigil/internal/txn"
	"github.com/vigilwaf/vigil/internal/waf"
)

// RequestIDHeader carries the transaction id to the origin.
const RequestIDHeader = "X-Request-Id"

type txKey struct{}

// blockedError aborts a proxied response that the engine blocked.
type blockedError struct {
	disposition txn.Disposition
}

func (e *blockedError) Error() string {
	return "response blocked: " + e.disposition.String()
}

type Gateway struct {
	router  *Router
	proxies map[string]*httputil.ReverseProxy
	engine  *waf.Engine
	logger  *zap.Logger

	timeout             time.Duration
	requestBodyLimit    int64
	responseBodyLimit   int64
	inspectResponseBody bool
}

func New(cfg *config.Config, engine *waf.Engine) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}

	router, err := NewRouter(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		router:              router,
		proxies:             make(map[string]*httputil.ReverseProxy, len(cfg.Upstreams)),
		engine:              engine,
		logger:              zap.NewNop(),
		timeout:             cfg.Server.Timeout,
		requestBodyLimit:    cfg.Engine.RequestBodyLimit,
		responseBodyLimit:   cfg.Engine.ResponseBodyLimit,
		inspectResponseBody: cfg.Engine.InspectResponseBody,
	}
	if g.requestBodyLimit <= 0 {
		g.requestBodyLimit = waf.DefaultRequestBodyLimit
	}
	if g.responseBodyLimit <= 0 {
		g.responseBodyLimit = waf.DefaultResponseBodyLimit
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}

	transport := newTransport(g.timeout)
	for _, upstream := range cfg.Upstreams {
		target, err := url.Parse(upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream %s: %w", upstream.Name, err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.Transport = transport
		proxy.ModifyResponse = g.inspectResponse
		proxy.ErrorHandler = g.proxyError
		g.proxies[upstream.Name] = proxy
	}

	return g, nil
}

func (g *Gateway) SetLogger(logger *zap.Logger) {
	g.logger = logging.OrNop(logger)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := g.router.Match(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	proxy, ok := g.proxies[route.Upstream]
	if !ok {
		http.NotFound(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	id := uuid.NewString()
	body, oversize, err := bufferBody(r, g.requestBodyLimit)
	if err != nil {
		g.logger.Warn("read request body", zap.String("transaction_id", id), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	headers := r.Header.Clone()
	headers.Set("Host", r.Host)
	d, err := g.engine.InspectRequest(ctx, waf.Request{
		ID:           id,
		ClientAddr:   clientIP(r),
		Method:       r.Method,
		URI:          requestURI(r),
		Protocol:     r.Proto,
		Headers:      headers,
		Body:         body,
		BodyOversize: oversize,
	})
	if err != nil {
		g.logger.Error("inspect request", zap.String("transaction_id", id), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := g.engine.Finish(context.WithoutCancel(ctx), id); err != nil {
			g.logger.Error("finish transaction", zap.String("transaction_id", id), zap.Error(err))
		}
	}()

	if d.Blocking() {
		g.logger.Info("request blocked",
			zap.String("transaction_id", id),
			zap.String("route", route.ID),
			zap.Stringer("disposition", d))
		writeDisposition(w, r, d)
		return
	}

	r.Header.Set(RequestIDHeader, id)
	proxy.ServeHTTP(w, r.WithContext(context.WithValue(ctx, txKey{}, id)))
}

// inspectResponse runs the response phases before anything is written to
// the client.
func (g *Gateway) inspectResponse(resp *http.Response) error {
	id, _ := resp.Request.Context().Value(txKey{}).(string)
	if id == "" {
		return nil
	}

	var (
		body     []byte
		oversize bool
	)
	if g.inspectResponseBody && identityEncoded(resp.Header) {
		var err error
		body, oversize, err = bufferResponse(resp, g.responseBodyLimit)
		if err != nil {
			return err
		}
	}

	d, err := g.engine.InspectResponse(resp.Request.Context(), id, waf.Response{
		Status:       resp.StatusCode,
		Headers:      resp.Header.Clone(),
		Body:         body,
		BodyOversize: oversize,
	})
	if err != nil {
		g.logger.Error("inspect response", zap.String("transaction_id", id), zap.Error(err))
		return nil
	}
	if d.Blocking() {
		_ = resp.Body.Close()
		return &blockedError{disposition: d}
	}
	return nil
}

func (g *Gateway) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	var blocked *blockedError
	switch {
	case errors.As(err, &blocked):
		g.logger.Info("response blocked", zap.Stringer("disposition", blocked.disposition))
		writeDisposition(w, r, blocked.disposition)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	default:
		g.logger.Warn("upstream error", zap.Error(err))
		http.Error(w, "upstream error", http.StatusBadGateway)
	}
}

// writeDisposition answers a blocked transaction with the status only; rule
// details never reach the client.
func writeDisposition(w http.ResponseWriter, r *http.Request, d txn.Disposition) {
	switch d.Action {
	case txn.ActionRedirect:
		http.Redirect(w, r, d.URL, d.Status)
	case txn.ActionDrop:
		panic(http.ErrAbortHandler)
	default:
		status := d.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		http.Error(w, http.StatusText(status), status)
	}
}

// bufferBody reads up to limit bytes for inspection and leaves the full body
// readable for the upstream.
func bufferBody(r *http.Request, limit int64) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false, nil
	}
	body, oversize, err := readLimited(r.Body, limit)
	if err != nil {
		return nil, false, err
	}
	r.Body = rejoin(body, r.Body, oversize)
	if oversize {
		return body[:limit], true, nil
	}
	r.ContentLength = int64(len(body))
	return body, false, nil
}

func bufferResponse(resp *http.Response, limit int64) ([]byte, bool, error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, false, nil
	}
	body, oversize, err := readLimited(resp.Body, limit)
	if err != nil {
		return nil, false, err
	}
	resp.Body = rejoin(body, resp.Body, oversize)
	if oversize {
		return body[:limit], true, nil
	}
	return body, false, nil
}

// readLimited reads limit+1 bytes so that an oversized body is detected
// without reading all of it.
func readLimited(rc io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, false, err
	}
	return body, int64(len(body)) > limit, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func rejoin(read []byte, rest io.ReadCloser, more bool) io.ReadCloser {
	if !more {
		_ = rest.Close()
		return io.NopCloser(bytes.NewReader(read))
	}
	return readCloser{Reader: io.MultiReader(bytes.NewReader(read), rest), Closer: rest}
}

func identityEncoded(h http.Header) bool {
	enc := strings.TrimSpace(h.Get("Content-Encoding"))
	return enc == "" || strings.EqualFold(enc, "identity")
}

// requestURI keeps the raw origin-form target so rules see the client's
// encoding; absolute-form targets are reduced to path and query.
func requestURI(r *http.Request) string {
	if strings.HasPrefix(r.RequestURI, "/") {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func newTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}
