package detect

import "regexp"

// NewSQLi returns the SQL injection heuristic.
func NewSQLi() Detector {
	return &signalDetector{
		name: "sqli",
		signals: []signal{
			{
				name:   "union_select",
				weight: 4,
				re:     regexp.MustCompile(`\bunion\b(?:\s+all|\s+distinct)?[\s(/*]+select\b`),
			},
			{
				name: "tautology",
				re:   regexp.MustCompile(`\b(?:or|and|xor)\s+['"]?([\w.]+)['"]?\s*(=|<>|!=|>=|<=|\blike\b)\s*['"]?([\w.]+)`),
				score: func(m []string) int {
					if m[1] == m[3] {
						return 4
					}
					return 2
				},
			},
			{
				name:   "quote_keyword",
				weight: 3,
				re:     regexp.MustCompile("['\"`]\\s*\\)?\\s*(?:(?:or|and|union|select|having|order\\s+by|group\\s+by)\\b|;|--|#|/\\*)"),
			},
			{
				name:   "stacked_query",
				weight: 4,
				re:     regexp.MustCompile(`;\s*(?:drop|delete|insert|update|select|shutdown|exec|truncate|alter|create)\b`),
			},
			{
				name:   "time_function",
				weight: 4,
				re:     regexp.MustCompile(`\b(?:sleep|benchmark|pg_sleep|waitfor\s+delay|load_file|extractvalue|updatexml)\s*\(`),
			},
			{
				name:   "schema_lookup",
				weight: 3,
				re:     regexp.MustCompile(`\b(?:information_schema|sqlite_master|pg_catalog|sysobjects|mysql\.user)\b`),
			},
			{
				name:   "select_from",
				weight: 2,
				re:     regexp.MustCompile(`\bselect\b[\s\S]{1,80}?\bfrom\b`),
			},
			{
				name:   "trailing_comment",
				weight: 1,
				re:     regexp.MustCompile(`(?:--|#|/\*)[^\n]*$`),
			},
		},
	}
}
