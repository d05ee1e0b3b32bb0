// Package waf is the inspection API. An Engine owns the active rule set and
// the in-flight transactions; callers drive each transaction through
// InspectRequest, InspectResponse and Finish.
package waf

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vigilwaf/vigil/internal/audit"
	"github.com/vigilwaf/vigil/internal/logging"
	"github.com/vigilwaf/vigil/internal/observability"
	"github.com/vigilwaf/vigil/internal/policy"
	"github.com/vigilwaf/vigil/internal/ratelimit"
	"github.com/vigilwaf/vigil/internal/rules"
	"github.com/vigilwaf/vigil/internal/txn"
)

var (
	ErrMissingID            = errors.New("transaction id is required")
	ErrDuplicateTransaction = errors.New("transaction id already in use")
	ErrUnknownTransaction   = errors.New("unknown transaction")
	ErrResponseInspected    = errors.New("response already inspected")
)

// Request is what InspectRequest sees of an incoming request. Body holds at
// most the configured limit; BodyOversize reports that more was sent.
type Request struct {
	ID           string
	ClientAddr   string
	Method       string
	URI          string
	Protocol     string
	Headers      http.Header
	Body         []byte
	BodyOversize bool
}

type Response struct {
	Status       int
	Headers      http.Header
	Body         []byte
	BodyOversize bool
}

type Engine struct {
	cfg       Config
	rules     atomic.Pointer[rules.RuleSet]
	txs       sync.Map
	store     ratelimit.Store
	ownsStore bool
	sink      audit.Sink
	metrics   *observability.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	reloadMu  sync.Mutex
}

// entry pins a transaction to the rule set it started with.
type entry struct {
	mu    sync.Mutex
	tx    *txn.Transaction
	rules *rules.RuleSet
	mode  policy.Mode
}

// New creates an engine. A nil set loads cfg.RuleFiles.
func New(cfg Config, set *rules.RuleSet) (*Engine, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if set == nil {
		loaded, err := rules.Load(cfg.RuleFiles, cfg.Rules)
		if err != nil {
			return nil, err
		}
		set = loaded
	}

	e := &Engine{
		cfg:       cfg,
		store:     ratelimit.NewMemoryStore(time.Minute),
		ownsStore: true,
		sink:      audit.Discard{},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("vigil/waf"),
		now:       time.Now,
	}
	e.rules.Store(set)
	return e, nil
}

// SetStore replaces the shared collection store. The engine does not close
// stores it did not create.
func (e *Engine) SetStore(s ratelimit.Store) {
	if e.ownsStore {
		_ = e.store.Close()
	}
	e.store = s
	e.ownsStore = false
}

func (e *Engine) SetSink(s audit.Sink) {
	if s == nil {
		s = audit.Discard{}
	}
	e.sink = s
}

func (e *Engine) SetMetrics(m *observability.Metrics) {
	e.metrics = m
	e.metrics.Reloaded(true, e.RuleSet().Len())
}

func (e *Engine) SetLogger(l *zap.Logger) {
	e.logger = logging.OrNop(l)
}

func (e *Engine) Mode() policy.Mode {
	return e.cfg.Mode
}

// RuleSet returns the active rule set.
func (e *Engine) RuleSet() *rules.RuleSet {
	return e.rules.Load()
}

// Pending returns the number of transactions not yet finished.
func (e *Engine) Pending() int {
	n := 0
	e.txs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// InspectRequest starts a transaction and runs phases 1 and 2. The returned
// disposition is the one to enforce; in DetectionOnly mode it is always pass.
func (e *Engine) InspectRequest(ctx context.Context, req Request) (txn.Disposition, error) {
	if req.ID == "" {
		return txn.Pass(), ErrMissingID
	}

	ctx, span := e.tracer.Start(ctx, "waf.InspectRequest", trace.WithAttributes(
		attribute.String("vigil.transaction_id", req.ID),
		attribute.String("http.request.method", req.Method),
	))
	defer span.End()

	tx := txn.New(req.ID, req.ClientAddr)
	tx.Start = e.now()
	tx.Request = txn.NewRequest(req.Method, req.URI, req.Protocol, req.Headers)

	en := &entry{tx: tx, rules: e.rules.Load(), mode: e.cfg.Mode}
	en.mu.Lock()
	defer en.mu.Unlock()
	if _, loaded := e.txs.LoadOrStore(req.ID, en); loaded {
		span.SetStatus(codes.Error, ErrDuplicateTransaction.Error())
		return txn.Pass(), fmt.Errorf("%s: %w", req.ID, ErrDuplicateTransaction)
	}

	if !en.mode.Evaluates() {
		return txn.Pass(), nil
	}

	e.runPhase(ctx, en, txn.PhaseRequestHeaders)

	if !tx.Blocked() {
		if e.oversize(req.Body, req.BodyOversize, e.cfg.RequestBodyLimit) {
			e.bodyLimit(en, txn.PhaseRequestBody, "request body exceeds limit")
			tx.Request.BodySkipped = true
		} else {
			tx.Request.MaxBodyArgs = e.cfg.MaxBodyArgs
			tx.Request.SetBody(req.Body)
			if tx.Request.ArgsTruncated {
				e.bodyLimit(en, txn.PhaseRequestBody, fmt.Sprintf("request body has more than %d arguments", e.cfg.MaxBodyArgs))
			}
		}
	}
	e.runPhase(ctx, en, txn.PhaseRequestBody)

	return e.result(span, en), nil
}

// InspectResponse runs phases 3 and 4 for a transaction started by
// InspectRequest.
func (e *Engine) InspectResponse(ctx context.Context, txID string, resp Response) (txn.Disposition, error) {
	en, err := e.lookup(txID)
	if err != nil {
		return txn.Pass(), err
	}

	ctx, span := e.tracer.Start(ctx, "waf.InspectResponse", trace.WithAttributes(
		attribute.String("vigil.transaction_id", txID),
		attribute.Int("http.response.status_code", resp.Status),
	))
	defer span.End()

	en.mu.Lock()
	defer en.mu.Unlock()
	tx := en.tx
	if tx.Response.Status != 0 || tx.Phase() >= txn.PhaseResponseHeaders {
		return txn.Pass(), fmt.Errorf("%s: %w", txID, ErrResponseInspected)
	}
	headers := resp.Headers
	if headers == nil {
		headers = http.Header{}
	}
	tx.Response = txn.Response{Status: resp.Status, Headers: headers}

	if !en.mode.Evaluates() {
		return txn.Pass(), nil
	}

	e.runPhase(ctx, en, txn.PhaseResponseHeaders)

	if !tx.Blocked() && e.cfg.inspectsResponseBody(headers) {
		if e.oversize(resp.Body, resp.BodyOversize, e.cfg.ResponseBodyLimit) {
			e.bodyLimit(en, txn.PhaseResponseBody, "response body exceeds limit")
			tx.Response.BodySkipped = true
		} else {
			tx.Response.Body = resp.Body
		}
	}
	e.runPhase(ctx, en, txn.PhaseResponseBody)

	return e.result(span, en), nil
}

// Finish runs the logging phase, writes the audit record and forgets the
// transaction. Audit sink failures are logged and counted, not returned.
func (e *Engine) Finish(ctx context.Context, txID string) error {
	v, ok := e.txs.LoadAndDelete(txID)
	if !ok {
		return fmt.Errorf("%s: %w", txID, ErrUnknownTransaction)
	}
	en := v.(*entry)

	ctx, span := e.tracer.Start(ctx, "waf.Finish", trace.WithAttributes(
		attribute.String("vigil.transaction_id", txID),
	))
	defer span.End()

	en.mu.Lock()
	defer en.mu.Unlock()
	tx := en.tx
	if !tx.MarkLogged() {
		return nil
	}
	if !en.mode.Evaluates() {
		return nil
	}

	e.runPhase(ctx, en, txn.PhaseLogging)

	rec := audit.NewRecord(tx, en.mode, e.now())
	e.metrics.ObserveTransaction(rec)
	if err := e.sink.Write(rec); err != nil {
		e.metrics.AuditError()
		e.logger.Error("audit write failed", zap.String("transaction_id", txID), zap.Error(err))
		span.RecordError(err)
	}
	return nil
}

// Close finishes every pending transaction and releases the engine's store
// and audit sink.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	e.txs.Range(func(k, _ any) bool {
		if err := e.Finish(ctx, k.(string)); err != nil && !errors.Is(err, ErrUnknownTransaction) {
			errs = append(errs, err)
		}
		return true
	})
	if err := e.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit sink: %w", err))
	}
	if e.ownsStore {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

func (e *Engine) lookup(txID string) (*entry, error) {
	v, ok := e.txs.Load(txID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", txID, ErrUnknownTransaction)
	}
	return v.(*entry), nil
}

func (e *Engine) oversize(body []byte, flagged bool, limit int64) bool {
	return flagged || int64(len(body)) > limit
}

// bodyLimit applies the configured policy to a body that could not be
// inspected in full.
func (e *Engine) bodyLimit(en *entry, phase txn.Phase, detail string) {
	tx := en.tx
	d := txn.Diagnostic{Phase: phase, Kind: txn.DiagBodyLimit, Detail: detail}
	if e.cfg.BodyLimitAction == BodyLimitReject {
		tx.Decide(txn.Disposition{Action: txn.ActionDeny, Status: e.cfg.BodyLimitStatus})
		d.Detail += ", rejected"
	} else {
		d.Detail += ", inspected partially"
	}
	tx.AddDiagnostic(d)
	e.metrics.Anomaly(d)
	e.logger.Warn("body limit exceeded",
		zap.String("transaction_id", tx.ID),
		zap.String("detail", detail),
		zap.String("action", string(e.cfg.BodyLimitAction)))
}

func (e *Engine) result(span trace.Span, en *entry) txn.Disposition {
	d := en.tx.Disposition()
	action, enforced := policy.DecideAction(en.mode, d)
	span.SetAttributes(
		attribute.String("vigil.disposition", d.String()),
		attribute.String("vigil.action", string(action)),
	)
	if enforced {
		return d
	}
	return txn.Pass()
}
