// Package seclang parses the rule language:
//
//	# comment
//	SecRule ARGS:q "@detectXSS" "id:1001,phase:2,deny,status:403,msg:'XSS in q'"
//	SecAction "id:900,phase:1,pass,nolog,setvar:tx.threshold=5"
//	Include rules/*.conf
//
// A trailing backslash continues a directive on the next line.
package seclang

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vigilwaf/vigil/internal/actions"
)

type Kind int

const (
	KindRule Kind = iota + 1
	KindAction
)

func (k Kind) String() string {
	if k == KindAction {
		return "SecAction"
	}
	return "SecRule"
}

// Directive is one SecRule or SecAction with its source position.
type Directive struct {
	Kind      Kind
	Variables string
	Operator  string
	Actions   []actions.Raw
	File      string
	Line      int
}

func (d Directive) Position() string {
	return fmt.Sprintf("%s:%d", d.File, d.Line)
}

// SyntaxError is a malformed directive.
type SyntaxError struct {
	File string
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

const maxIncludeDepth = 8

type parser struct {
	seen  map[string]bool
	errs  []error
	files []string
}

// ParseFiles parses every file matching the glob patterns, in sorted
// order per pattern, following Include directives.
func ParseFiles(patterns ...string) ([]Directive, []string, error) {
	p := &parser{seen: map[string]bool{}}
	var out []Directive
	for _, pattern := range patterns {
		out = append(out, p.include(pattern, "", "", 0, 0)...)
	}
	return out, p.files, errors.Join(p.errs...)
}

// Parse parses src; name is used for positions and to resolve Include
// paths relative to its directory.
func Parse(name string, src []byte) ([]Directive, error) {
	p := &parser{seen: map[string]bool{}}
	out := p.source(name, string(src), 0)
	return out, errors.Join(p.errs...)
}

func (p *parser) include(pattern, fromFile, fromDir string, fromLine, depth int) []Directive {
	if depth > maxIncludeDepth {
		p.errs = append(p.errs, &SyntaxError{File: fromFile, Line: fromLine, Msg: "Include nested too deeply"})
		return nil
	}
	if !filepath.IsAbs(pattern) && fromDir != "" {
		pattern = filepath.Join(fromDir, pattern)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		p.errs = append(p.errs, &SyntaxError{File: fromFile, Line: fromLine, Msg: fmt.Sprintf("bad pattern %q: %v", pattern, err)})
		return nil
	}
	if len(matches) == 0 {
		p.errs = append(p.errs, &SyntaxError{File: fromFile, Line: fromLine, Msg: fmt.Sprintf("no rule files match %q", pattern)})
		return nil
	}
	sort.Strings(matches)

	var out []Directive
	for _, file := range matches {
		abs, err := filepath.Abs(file)
		if err != nil {
			abs = file
		}
		if p.seen[abs] {
			continue
		}
		p.seen[abs] = true
		src, err := os.ReadFile(file)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("read rules: %w", err))
			continue
		}
		p.files = append(p.files, file)
		out = append(out, p.source(file, string(src), depth)...)
	}
	return out
}

func (p *parser) source(name, src string, depth int) []Directive {
	var out []Directive
	for _, ll := range splitLines(src) {
		fail := func(format string, args ...any) {
			p.errs = append(p.errs, &SyntaxError{File: name, Line: ll.line, Msg: fmt.Sprintf(format, args...)})
		}

		tokens, err := tokenize(ll.text)
		if err != nil {
			fail("%v", err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}
		args := tokens[1:]
		switch strings.ToLower(tokens[0]) {
		case "secrule":
			if len(args) < 2 || len(args) > 3 {
				fail("SecRule expects VARIABLES OPERATOR [ACTIONS], got %d arguments", len(args))
				continue
			}
			d := Directive{Kind: KindRule, Variables: args[0], Operator: args[1], File: name, Line: ll.line}
			if len(args) == 3 {
				acts, err := ParseActions(args[2])
				if err != nil {
					fail("%v", err)
					continue
				}
				d.Actions = acts
			}
			out = append(out, d)
		case "secaction":
			if len(args) != 1 {
				fail("SecAction expects ACTIONS, got %d arguments", len(args))
				continue
			}
			acts, err := ParseActions(args[0])
			if err != nil {
				fail("%v", err)
				continue
			}
			out = append(out, Directive{Kind: KindAction, Actions: acts, File: name, Line: ll.line})
		case "include":
			if len(args) != 1 {
				fail("Include expects one path")
				continue
			}
			out = append(out, p.include(args[0], name, filepath.Dir(name), ll.line, depth+1)...)
		default:
			fail("unknown directive %q", tokens[0])
		}
	}
	return out
}

// ParseActions splits "id:1,deny,msg:'a, b'" on commas outside single
// quotes. Quoted values are unquoted.
func ParseActions(s string) ([]actions.Raw, error) {
	var (
		out   []actions.Raw
		cur   strings.Builder
		inQ   bool
		parts []string
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQ && c == '\\' && i+1 < len(s) && s[i+1] == '\'':
			cur.WriteString(`\'`)
			i++
		case c == '\'':
			inQ = !inQ
			cur.WriteByte(c)
		case c == ',' && !inQ:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inQ {
		return nil, errors.New("unterminated quote in actions")
	}
	parts = append(parts, cur.String())

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("action without a name in %q", part)
		}
		out = append(out, actions.Raw{Key: key, Value: unquote(strings.TrimSpace(value))})
	}
	return out, nil
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return strings.ReplaceAll(v[1:len(v)-1], `\'`, `'`)
	}
	return v
}
