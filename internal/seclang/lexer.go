package seclang

import (
	"fmt"
	"strings"
)

// logicalLine is one directive after comment removal and continuation joins.
type logicalLine struct {
	text string
	line int
}

func splitLines(src string) []logicalLine {
	var (
		out     []logicalLine
		buf     strings.Builder
		startAt int
	)
	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")
	for i, raw := range lines {
		trimmed := strings.TrimRight(raw, " \t")
		if buf.Len() == 0 {
			lead := strings.TrimSpace(trimmed)
			if lead == "" || strings.HasPrefix(lead, "#") {
				continue
			}
			startAt = i + 1
		}
		if strings.HasSuffix(trimmed, "\\") {
			buf.WriteString(strings.TrimSuffix(trimmed, "\\"))
			continue
		}
		buf.WriteString(trimmed)
		out = append(out, logicalLine{text: strings.TrimSpace(buf.String()), line: startAt})
		buf.Reset()
	}
	if buf.Len() > 0 {
		out = append(out, logicalLine{text: strings.TrimSpace(buf.String()), line: startAt})
	}
	return out
}

// tokenize splits on whitespace outside quotes. Inside double or single
// quotes only the matching escaped quote is unescaped; other backslashes
// are kept for regular expressions.
func tokenize(s string) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		quote  byte
		inTok  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(s) && s[i+1] == quote {
				cur.WriteByte(quote)
				i++
				continue
			}
			if c == quote {
				quote = 0
				continue
			}
			cur.WriteByte(c)
		case c == '"' || c == '\'':
			quote = c
			inTok = true
		case c == ' ' || c == '\t':
			if inTok {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteByte(c)
			inTok = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inTok {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}
