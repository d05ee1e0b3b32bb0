package txn

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Phase int

const (
	PhaseRequestHeaders  Phase = 1
	PhaseRequestBody     Phase = 2
	PhaseResponseHeaders Phase = 3
	PhaseResponseBody    Phase = 4
	PhaseLogging         Phase = 5
)

func (p Phase) String() string {
	switch p {
	case PhaseRequestHeaders:
		return "request_headers"
	case PhaseRequestBody:
		return "request_body"
	case PhaseResponseHeaders:
		return "response_headers"
	case PhaseResponseBody:
		return "response_body"
	case PhaseLogging:
		return "logging"
	default:
		return fmt.Sprintf("phase_%d", int(p))
	}
}

func (p Phase) Valid() bool {
	return p >= PhaseRequestHeaders && p <= PhaseLogging
}

type Action string

const (
	ActionPass     Action = "pass"
	ActionDeny     Action = "deny"
	ActionDrop     Action = "drop"
	ActionRedirect Action = "redirect"
)

// Disposition is the engine's decision for a transaction.
type Disposition struct {
	Action Action `json:"action"`
	Status int    `json:"status,omitempty"`
	URL    string `json:"url,omitempty"`
	RuleID int    `json:"rule_id,omitempty"`
}

func Pass() Disposition {
	return Disposition{Action: ActionPass}
}

// Blocking reports whether the disposition stops the transaction.
func (d Disposition) Blocking() bool {
	switch d.Action {
	case ActionDeny, ActionDrop, ActionRedirect:
		return true
	default:
		return false
	}
}

func (d Disposition) String() string {
	switch d.Action {
	case ActionDeny:
		return fmt.Sprintf("deny(%d)", d.Status)
	case ActionRedirect:
		return fmt.Sprintf("redirect(%s)", d.URL)
	case "":
		return string(ActionPass)
	default:
		return string(d.Action)
	}
}

// Match records one rule (or complete chain) that fired.
type Match struct {
	RuleID   int      `json:"id"`
	Phase    Phase    `json:"phase"`
	Msg      string   `json:"msg,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Severity string   `json:"severity,omitempty"`
	Variable string   `json:"variable,omitempty"`
	Value    string   `json:"value,omitempty"`
	LogData  string   `json:"logdata,omitempty"`
	// Log selects the operational log, Audit the audit record.
	Log   bool `json:"-"`
	Audit bool `json:"-"`
}

const (
	DiagUnknownVariable = "unknown_variable"
	DiagTransform       = "transform"
	DiagOperator        = "operator"
	DiagStore           = "store"
	DiagPanic           = "panic"
	DiagBodyLimit       = "body_limit"
	DiagAction          = "action"
)

// Diagnostic is an evaluation anomaly that was recovered as a non-match.
type Diagnostic struct {
	RuleID int    `json:"rule_id,omitempty"`
	Phase  Phase  `json:"phase"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

const maxCaptures = 10

// Transaction is one request/response lifecycle. It is not safe for
// concurrent use; phases run sequentially on a single transaction.
type Transaction struct {
	ID         string
	ClientAddr string
	Start      time.Time
	Request    Request
	Response   Response

	vars           map[string]string
	phase          Phase
	disposition    Disposition
	matches        []Match
	diagnostics    []Diagnostic
	timings        map[Phase]time.Duration
	captures       [maxCaptures]string
	matchedVar     string
	matchedVarName string
	ipKey          string
	loggingDone    bool
}

func New(id, clientAddr string) *Transaction {
	return &Transaction{
		ID:          id,
		ClientAddr:  clientAddr,
		Start:       time.Now(),
		vars:        map[string]string{},
		disposition: Pass(),
		timings:     map[Phase]time.Duration{},
		ipKey:       clientAddr,
	}
}

func (t *Transaction) Phase() Phase {
	return t.phase
}

// EnterPhase moves the phase counter forward. Phases never go backwards.
func (t *Transaction) EnterPhase(p Phase) error {
	if !p.Valid() {
		return fmt.Errorf("invalid phase %d", int(p))
	}
	if p <= t.phase {
		return fmt.Errorf("phase %s already reached (current %s)", p, t.phase)
	}
	t.phase = p
	return nil
}

func (t *Transaction) Disposition() Disposition {
	return t.disposition
}

// Decide sets the disposition unless a blocking one was already decided.
// It reports whether the disposition changed.
func (t *Transaction) Decide(d Disposition) bool {
	if t.disposition.Blocking() {
		return false
	}
	t.disposition = d
	return true
}

func (t *Transaction) Blocked() bool {
	return t.disposition.Blocking()
}

// Var returns a TX variable. Names are case-insensitive.
func (t *Transaction) Var(name string) (string, bool) {
	v, ok := t.vars[strings.ToLower(name)]
	return v, ok
}

func (t *Transaction) SetVar(name, value string) {
	t.vars[strings.ToLower(name)] = value
}

func (t *Transaction) DeleteVar(name string) {
	delete(t.vars, strings.ToLower(name))
}

// VarNames returns TX variable names in sorted order.
func (t *Transaction) VarNames() []string {
	names := make([]string, 0, len(t.vars))
	for name := range t.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Transaction) AddMatch(m Match) {
	t.matches = append(t.matches, m)
}

func (t *Transaction) Matches() []Match {
	return append([]Match(nil), t.matches...)
}

func (t *Transaction) AddDiagnostic(d Diagnostic) {
	t.diagnostics = append(t.diagnostics, d)
}

func (t *Transaction) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), t.diagnostics...)
}

func (t *Transaction) RecordTiming(p Phase, d time.Duration) {
	t.timings[p] += d
}

func (t *Transaction) Timings() map[Phase]time.Duration {
	out := make(map[Phase]time.Duration, len(t.timings))
	for p, d := range t.timings {
		out[p] = d
	}
	return out
}

// SetCaptures stores regex capture groups as TX:0..TX:9.
func (t *Transaction) SetCaptures(groups []string) {
	t.captures = [maxCaptures]string{}
	for i := 0; i < len(groups) && i < maxCaptures; i++ {
		t.captures[i] = groups[i]
	}
}

func (t *Transaction) Capture(i int) (string, bool) {
	if i < 0 || i >= maxCaptures {
		return "", false
	}
	return t.captures[i], true
}

func (t *Transaction) SetMatched(name, value string) {
	t.matchedVarName = name
	t.matchedVar = value
}

func (t *Transaction) Matched() (name, value string) {
	return t.matchedVarName, t.matchedVar
}

// IPKey is the key of the shared IP collection, the client address unless
// overridden by initcol.
func (t *Transaction) IPKey() string {
	return t.ipKey
}

func (t *Transaction) SetIPKey(key string) {
	t.ipKey = key
}

// MarkLogged flips the logging flag and reports whether this is the first call.
func (t *Transaction) MarkLogged() bool {
	if t.loggingDone {
		return false
	}
	t.loggingDone = true
	return true
}
