// Package actions parses a rule's action list into typed form and applies
// it to a transaction when the rule matches.
package actions

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vigilwaf/vigil/internal/txn"
	"github.com/vigilwaf/vigil/internal/variables"
)

// Raw is one "key:value" action as written in the rule source.
type Raw struct {
	Key   string
	Value string
}

func (r Raw) String() string {
	if r.Value == "" {
		return r.Key
	}
	return r.Key + ":" + r.Value
}

type DisruptiveKind int

const (
	DisruptiveNone DisruptiveKind = iota
	DisruptivePass
	DisruptiveDeny
	DisruptiveDrop
	DisruptiveRedirect
	DisruptiveBlock
	DisruptiveAllow
)

func (k DisruptiveKind) String() string {
	switch k {
	case DisruptivePass:
		return "pass"
	case DisruptiveDeny:
		return "deny"
	case DisruptiveDrop:
		return "drop"
	case DisruptiveRedirect:
		return "redirect"
	case DisruptiveBlock:
		return "block"
	case DisruptiveAllow:
		return "allow"
	default:
		return "none"
	}
}

const DefaultRedirectStatus = http.StatusFound

// List is the typed action list of one rule or chain link.
type List struct {
	ID         int
	Phase      txn.Phase
	Chain      bool
	Skip       int
	SkipAfter  int
	Capture    bool
	MatchAll   bool
	Transforms []string

	Msg      variables.Macro
	LogData  variables.Macro
	Tags     []string
	Severity string

	// Log and AuditLog default on. nolog clears both; a later auditlog
	// turns audit back on.
	Log      bool
	AuditLog bool

	// Disruptive is the last disruptive action declared.
	Disruptive  DisruptiveKind
	Status      int
	RedirectURL variables.Macro

	Steps []Step
}

// HasDisruptive reports whether the list declares a disruptive action.
func (l *List) HasDisruptive() bool {
	return l.Disruptive != DisruptiveNone
}

type handler func(l *List, value string) error

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		"id":         parseID,
		"phase":      parsePhase,
		"chain":      flag(func(l *List) { l.Chain = true }),
		"skip":       parseSkip,
		"skipafter":  parseSkipAfter,
		"capture":    flag(func(l *List) { l.Capture = true }),
		"matchall":   flag(func(l *List) { l.MatchAll = true }),
		"t":          parseTransform,
		"msg":        macroField(func(l *List, m variables.Macro) { l.Msg = m }),
		"logdata":    macroField(func(l *List, m variables.Macro) { l.LogData = m }),
		"tag":        parseTag,
		"severity":   parseSeverity,
		"log":        flag(func(l *List) { l.Log = true }),
		"nolog":      flag(func(l *List) { l.Log, l.AuditLog = false, false }),
		"auditlog":   flag(func(l *List) { l.AuditLog = true }),
		"noauditlog": flag(func(l *List) { l.AuditLog = false }),
		"pass":       disruptive(DisruptivePass),
		"deny":       disruptive(DisruptiveDeny),
		"drop":       disruptive(DisruptiveDrop),
		"block":      disruptive(DisruptiveBlock),
		"allow":      disruptive(DisruptiveAllow),
		"redirect":   parseRedirect,
		"status":     parseStatus,
		"setvar":     parseSetVar,
		"expirevar":  parseExpireVar,
		"initcol":    parseInitCol,
		// Informational, accepted for rule-set compatibility.
		"rev":      ignore,
		"ver":      ignore,
		"maturity": ignore,
		"accuracy": ignore,
	}
}

// Parse types a raw action list. Unknown actions and malformed values are
// configuration errors.
func Parse(raw []Raw) (*List, error) {
	l := &List{Log: true, AuditLog: true}
	var errs []error
	for _, a := range raw {
		key := strings.ToLower(strings.TrimSpace(a.Key))
		h, ok := handlers[key]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown action %q", a.Key))
			continue
		}
		if err := h(l, strings.TrimSpace(a.Value)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	l.Steps = mergeExpiry(l.Steps)
	if l.Disruptive == DisruptiveRedirect && l.RedirectURL.Static() && l.RedirectURL.String() == "" {
		return nil, errors.New("redirect: url is required")
	}
	return l, nil
}

// Names lists the accepted action names.
func Names() []string {
	out := make([]string, 0, len(handlers))
	for name := range handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func ignore(*List, string) error { return nil }

func flag(set func(l *List)) handler {
	return func(l *List, value string) error {
		if value != "" {
			return fmt.Errorf("takes no value, got %q", value)
		}
		set(l)
		return nil
	}
}

func disruptive(kind DisruptiveKind) handler {
	return func(l *List, value string) error {
		if value != "" {
			return fmt.Errorf("takes no value, got %q", value)
		}
		l.Disruptive = kind
		return nil
	}
}

func macroField(set func(l *List, m variables.Macro)) handler {
	return func(l *List, value string) error {
		m, err := variables.CompileMacro(value)
		if err != nil {
			return err
		}
		set(l, m)
		return nil
	}
}

func parseID(l *List, value string) error {
	id, err := strconv.Atoi(value)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid id %q", value)
	}
	l.ID = id
	return nil
}

func parsePhase(l *List, value string) error {
	switch strings.ToLower(value) {
	case "request":
		l.Phase = txn.PhaseRequestBody
		return nil
	case "response":
		l.Phase = txn.PhaseResponseBody
		return nil
	case "logging":
		l.Phase = txn.PhaseLogging
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || !txn.Phase(n).Valid() {
		return fmt.Errorf("invalid phase %q", value)
	}
	l.Phase = txn.Phase(n)
	return nil
}

func parseSkip(l *List, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid count %q", value)
	}
	l.Skip = n
	return nil
}

func parseSkipAfter(l *List, value string) error {
	id, err := strconv.Atoi(value)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid rule id %q", value)
	}
	l.SkipAfter = id
	return nil
}

func parseTransform(l *List, value string) error {
	if value == "" {
		return errors.New("transformation name is required")
	}
	l.Transforms = append(l.Transforms, value)
	return nil
}

func parseTag(l *List, value string) error {
	if value == "" {
		return errors.New("tag is empty")
	}
	l.Tags = append(l.Tags, value)
	return nil
}

var severities = []string{"EMERGENCY", "ALERT", "CRITICAL", "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG"}

// parseSeverity accepts a name or its syslog number.
func parseSeverity(l *List, value string) error {
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 || n >= len(severities) {
			return fmt.Errorf("invalid severity %q", value)
		}
		l.Severity = severities[n]
		return nil
	}
	upper := strings.ToUpper(value)
	for _, s := range severities {
		if s == upper {
			l.Severity = s
			return nil
		}
	}
	return fmt.Errorf("invalid severity %q", value)
}

func parseRedirect(l *List, value string) error {
	m, err := variables.CompileMacro(value)
	if err != nil {
		return err
	}
	l.Disruptive = DisruptiveRedirect
	l.RedirectURL = m
	return nil
}

func parseStatus(l *List, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 100 || n > 599 {
		return fmt.Errorf("invalid status %q", value)
	}
	l.Status = n
	return nil
}

func parseInitCol(l *List, value string) error {
	col, key, ok := strings.Cut(value, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(col), "ip") {
		return fmt.Errorf("only ip=<key> is supported, got %q", value)
	}
	m, err := variables.CompileMacro(strings.TrimSpace(key))
	if err != nil {
		return err
	}
	l.Steps = append(l.Steps, Step{Kind: StepInitCol, Value: m})
	return nil
}

func parseSetVar(l *List, value string) error {
	if strings.HasPrefix(value, "!") {
		col, name, err := splitTarget(value[1:])
		if err != nil {
			return err
		}
		l.Steps = append(l.Steps, Step{Kind: StepSetVar, Op: OpDelete, Collection: col, Name: name})
		return nil
	}

	target, raw, ok := strings.Cut(value, "=")
	if !ok {
		// "setvar:tx.flag" sets 1.
		raw = "1"
	}
	col, name, err := splitTarget(target)
	if err != nil {
		return err
	}
	op := OpAssign
	switch {
	case strings.HasPrefix(raw, "+"):
		op, raw = OpAdd, raw[1:]
	case strings.HasPrefix(raw, "-"):
		op, raw = OpSub, raw[1:]
	}
	m, err := variables.CompileMacro(raw)
	if err != nil {
		return err
	}
	if op != OpAssign && m.Static() {
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("delta %q is not an integer", raw)
		}
	}
	l.Steps = append(l.Steps, Step{Kind: StepSetVar, Op: op, Collection: col, Name: name, Value: m})
	return nil
}

func parseExpireVar(l *List, value string) error {
	target, raw, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("expected ip.<name>=<seconds>, got %q", value)
	}
	col, name, err := splitTarget(target)
	if err != nil {
		return err
	}
	if col != CollectionIP {
		return fmt.Errorf("only the ip collection expires, got %q", target)
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs <= 0 {
		return fmt.Errorf("invalid seconds %q", raw)
	}
	l.Steps = append(l.Steps, Step{Kind: StepExpireVar, Collection: col, Name: name, TTL: time.Duration(secs) * time.Second})
	return nil
}

func splitTarget(target string) (Collection, string, error) {
	col, name, ok := strings.Cut(strings.TrimSpace(target), ".")
	if !ok || name == "" {
		return "", "", fmt.Errorf("expected <collection>.<name>, got %q", target)
	}
	switch c := Collection(strings.ToLower(col)); c {
	case CollectionTX, CollectionIP:
		return c, strings.ToLower(name), nil
	default:
		return "", "", fmt.Errorf("unknown collection %q", col)
	}
}

// mergeExpiry folds expirevar into a preceding setvar on the same ip
// variable so the store applies both in one atomic call.
func mergeExpiry(steps []Step) []Step {
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		if s.Kind == StepExpireVar {
			if i := lastSetVar(out, s.Name); i >= 0 && out[i].TTL == 0 {
				out[i].TTL = s.TTL
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func lastSetVar(steps []Step, name string) int {
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.Kind == StepSetVar && s.Collection == CollectionIP && s.Name == name && s.Op != OpDelete {
			return i
		}
	}
	return -1
}
