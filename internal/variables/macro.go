package variables

import (
	"context"
	"fmt"
	"strings"
)

// Macro is text with %{VAR} or %{collection.key} references, compiled once
// at load time.
type Macro struct {
	parts []macroPart
}

type macroPart struct {
	literal string
	sel     *Selector
}

// CompileMacro parses text. Text without references expands to itself.
func CompileMacro(text string) (Macro, error) {
	var m Macro
	rest := text
	for {
		start := strings.Index(rest, "%{")
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return Macro{}, fmt.Errorf("unterminated macro in %q", text)
		}
		if start > 0 {
			m.parts = append(m.parts, macroPart{literal: rest[:start]})
		}
		ref := rest[start+2 : start+end]
		sel, err := parseMacroRef(ref)
		if err != nil {
			return Macro{}, fmt.Errorf("macro %%{%s}: %w", ref, err)
		}
		m.parts = append(m.parts, macroPart{sel: &sel})
		rest = rest[start+end+1:]
	}
	if rest != "" {
		m.parts = append(m.parts, macroPart{literal: rest})
	}
	return m, nil
}

// MustCompileMacro is CompileMacro for constants known to be valid.
func MustCompileMacro(text string) Macro {
	m, err := CompileMacro(text)
	if err != nil {
		panic(err)
	}
	return m
}

func parseMacroRef(ref string) (Selector, error) {
	name, key, _ := strings.Cut(strings.TrimSpace(ref), ".")
	set, err := Parse(joinRef(name, key))
	if err != nil {
		return Selector{}, err
	}
	if len(set.Include) != 1 || len(set.Exclude) != 0 || set.Include[0].KeyRegex != nil {
		return Selector{}, fmt.Errorf("unsupported reference %q", ref)
	}
	return set.Include[0], nil
}

func joinRef(name, key string) string {
	if key == "" {
		return name
	}
	return name + ":" + key
}

// Static reports whether the macro has no references.
func (m Macro) Static() bool {
	for _, p := range m.parts {
		if p.sel != nil {
			return false
		}
	}
	return true
}

// Expand substitutes references with the first resolved value, or the empty
// string when nothing resolves.
func (m Macro) Expand(ctx context.Context, env Env) string {
	if len(m.parts) == 1 && m.parts[0].sel == nil {
		return m.parts[0].literal
	}
	var b strings.Builder
	for _, p := range m.parts {
		if p.sel == nil {
			b.WriteString(p.literal)
			continue
		}
		found, err := resolveOne(ctx, env, *p.sel, nil)
		if err == nil && len(found) > 0 {
			b.WriteString(found[0].Value)
		}
	}
	return b.String()
}

func (m Macro) String() string {
	var b strings.Builder
	for _, p := range m.parts {
		if p.sel == nil {
			b.WriteString(p.literal)
			continue
		}
		b.WriteString("%{")
		b.WriteString(p.sel.Name)
		if p.sel.Key != "" {
			b.WriteString("." + p.sel.Key)
		}
		b.WriteString("}")
	}
	return b.String()
}
