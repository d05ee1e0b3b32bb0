package operators

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vigilwaf/vigil/internal/variables"
)

// AhoMatcher finds any of a set of phrases in one pass. Matching is
// case-insensitive: phrases and input are lowercased.
type AhoMatcher struct {
	nodes []ahoNode
}

type ahoNode struct {
	next map[byte]int
	fail int
	out  []string
}

func NewAhoMatcher(patterns []string) (*AhoMatcher, error) {
	if len(patterns) == 0 {
		return nil, errors.New("patterns are required")
	}

	nodes := []ahoNode{{next: map[byte]int{}}}
	for _, pattern := range patterns {
		pattern = strings.ToLower(pattern)
		if pattern == "" {
			continue
		}
		current := 0
		for i := 0; i < len(pattern); i++ {
			b := pattern[i]
			next, ok := nodes[current].next[b]
			if !ok {
				nodes = append(nodes, ahoNode{next: map[byte]int{}})
				next = len(nodes) - 1
				nodes[current].next[b] = next
			}
			current = next
		}
		nodes[current].out = append(nodes[current].out, pattern)
	}
	if len(nodes) == 1 {
		return nil, errors.New("no non-empty patterns")
	}

	// Breadth-first so a node's fail target is final before its children.
	queue := make([]int, 0, len(nodes))
	for _, next := range nodes[0].next {
		queue = append(queue, next)
	}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]

		for b, next := range nodes[state].next {
			fail := nodes[state].fail
			for fail != 0 {
				if _, ok := nodes[fail].next[b]; ok {
					break
				}
				fail = nodes[fail].fail
			}
			if target, ok := nodes[fail].next[b]; ok {
				nodes[next].fail = target
			}
			nodes[next].out = append(nodes[next].out, nodes[nodes[next].fail].out...)
			queue = append(queue, next)
		}
	}

	return &AhoMatcher{nodes: nodes}, nil
}

// Match returns the first phrase found in input.
func (m *AhoMatcher) Match(input string) (bool, string) {
	state := 0
	for i := 0; i < len(input); i++ {
		b := lower(input[i])
		for state != 0 {
			if _, ok := m.nodes[state].next[b]; ok {
				break
			}
			state = m.nodes[state].fail
		}
		if next, ok := m.nodes[state].next[b]; ok {
			state = next
		}
		if out := m.nodes[state].out; len(out) > 0 {
			return true, out[0]
		}
	}
	return false, ""
}

func (m *AhoMatcher) Evaluate(_ context.Context, _ variables.Env, input string) (Result, error) {
	ok, phrase := m.Match(input)
	if !ok {
		return Result{}, nil
	}
	return Result{Matched: true, Value: phrase}, nil
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 'a' - 'A'
	}
	return b
}

// newPhraseMatch takes space separated phrases.
func newPhraseMatch(arg string, _ Options) (Operator, error) {
	return NewAhoMatcher(strings.Fields(arg))
}

// newPhraseMatchFromFile takes space separated file names with one phrase
// per line; blank lines and '#' comments are skipped.
func newPhraseMatchFromFile(arg string, opts Options) (Operator, error) {
	files := strings.Fields(arg)
	if len(files) == 0 {
		return nil, errArgRequired
	}
	var patterns []string
	for _, file := range files {
		p, err := readPatterns(resolvePath(opts.BaseDir, file))
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p...)
	}
	return NewAhoMatcher(patterns)
}

func readPatterns(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read phrases: %w", err)
	}
	defer func() { _ = file.Close() }()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read phrases %s: %w", path, err)
	}
	return patterns, nil
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
