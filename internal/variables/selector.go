// Package variables resolves rule variable selectors such as
// "ARGS|!ARGS:password|&REQUEST_HEADERS:Host" against a transaction.
package variables

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnknownVariable is returned at evaluation time for a name no collection
// provides. Parsing accepts unknown names.
var ErrUnknownVariable = errors.New("unknown variable")

// Selector addresses one collection, optionally narrowed to a key.
type Selector struct {
	Name     string
	Key      string
	KeyRegex *regexp.Regexp
	Count    bool
}

func (s Selector) String() string {
	var b strings.Builder
	if s.Count {
		b.WriteByte('&')
	}
	b.WriteString(s.Name)
	switch {
	case s.KeyRegex != nil:
		b.WriteString(":/" + s.KeyRegex.String() + "/")
	case s.Key != "":
		b.WriteString(":" + s.Key)
	}
	return b.String()
}

func (s Selector) keyed() bool {
	return s.Key != "" || s.KeyRegex != nil
}

func (s Selector) matchesKey(key string) bool {
	if s.KeyRegex != nil {
		return s.KeyRegex.MatchString(key)
	}
	if s.Key == "" {
		return true
	}
	return strings.EqualFold(s.Key, key)
}

// Set is a parsed selector list: candidates of Include minus anything an
// Exclude selector addresses.
type Set struct {
	Include []Selector
	Exclude []Selector
}

func (s Set) String() string {
	parts := make([]string, 0, len(s.Include)+len(s.Exclude))
	for _, sel := range s.Include {
		parts = append(parts, sel.String())
	}
	for _, sel := range s.Exclude {
		parts = append(parts, "!"+sel.String())
	}
	return strings.Join(parts, "|")
}

// Parse parses a '|' separated selector list.
func Parse(expr string) (Set, error) {
	var set Set
	parts, err := splitSelectors(expr)
	if err != nil {
		return Set{}, err
	}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return Set{}, fmt.Errorf("empty selector in %q", expr)
		}
		exclude := false
		sel := Selector{}
		switch part[0] {
		case '!':
			exclude = true
			part = part[1:]
		case '&':
			sel.Count = true
			part = part[1:]
		}

		name, key, hasKey := strings.Cut(part, ":")
		sel.Name = strings.ToUpper(strings.TrimSpace(name))
		if !validName(sel.Name) {
			return Set{}, fmt.Errorf("invalid variable name %q", name)
		}
		if hasKey {
			if err := parseKey(&sel, key); err != nil {
				return Set{}, fmt.Errorf("%s: %w", sel.Name, err)
			}
		}
		if err := checkShape(sel); err != nil {
			return Set{}, err
		}

		if exclude {
			set.Exclude = append(set.Exclude, sel)
		} else {
			set.Include = append(set.Include, sel)
		}
	}
	if len(set.Include) == 0 {
		return Set{}, fmt.Errorf("selector %q includes no variables", expr)
	}
	return set, nil
}

func parseKey(sel *Selector, raw string) error {
	key := strings.TrimSpace(raw)
	if len(key) >= 2 && key[0] == '\'' && key[len(key)-1] == '\'' {
		key = key[1 : len(key)-1]
	}
	if key == "" {
		return errors.New("empty key")
	}
	if len(key) >= 2 && key[0] == '/' && key[len(key)-1] == '/' {
		re, err := regexp.Compile(key[1 : len(key)-1])
		if err != nil {
			return fmt.Errorf("key regex: %w", err)
		}
		sel.KeyRegex = re
		return nil
	}
	sel.Key = key
	return nil
}

// checkShape rejects keys on scalar variables and unkeyed IP access, the
// shared collection cannot be enumerated.
func checkShape(sel Selector) error {
	if _, ok := scalars[sel.Name]; ok && sel.keyed() {
		return fmt.Errorf("%s does not take a key", sel.Name)
	}
	if sel.Name == "IP" && (sel.Key == "" || sel.KeyRegex != nil) {
		return errors.New("IP requires a literal key")
	}
	return nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// splitSelectors splits on '|' outside /regex/ keys.
func splitSelectors(expr string) ([]string, error) {
	var parts []string
	start := 0
	inRegex := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case inRegex && c == '\\':
			i++
		case c == '/' && inRegex:
			inRegex = false
		case c == '/' && i > 0 && (expr[i-1] == ':' || expr[i-1] == '\''):
			inRegex = true
		case c == '|' && !inRegex:
			parts = append(parts, expr[start:i])
			start = i + 1
		}
	}
	if inRegex {
		return nil, fmt.Errorf("unterminated key regex in %q", expr)
	}
	return append(parts, expr[start:]), nil
}
