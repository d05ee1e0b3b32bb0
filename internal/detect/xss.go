package detect

import "regexp"

// NewXSS returns the cross-site scripting heuristic.
func NewXSS() Detector {
	return &signalDetector{
		name: "xss",
		signals: []signal{
			{
				name:   "script_tag",
				weight: 5,
				re:     regexp.MustCompile(`<\s*/?\s*script\b`),
			},
			{
				name:   "dangerous_tag",
				weight: 3,
				re:     regexp.MustCompile(`<\s*(?:script|iframe|img|svg|object|embed|body|link|style|meta|form|input|video|audio|details|math|base|frameset|marquee)\b`),
			},
			{
				name:   "event_handler",
				weight: 2,
				re:     regexp.MustCompile(`\bon[a-z]{3,}\s*=`),
			},
			{
				name:   "script_scheme",
				weight: 4,
				re:     regexp.MustCompile(`(?:javascript|vbscript|livescript)\s*:|data\s*:\s*text/html`),
			},
			{
				name:   "dom_sink",
				weight: 2,
				re:     regexp.MustCompile(`\b(?:document\.(?:cookie|write|domain)|window\.location|innerhtml|alert\s*\(|prompt\s*\(|confirm\s*\(|eval\s*\(|fromcharcode|settimeout\s*\()`),
			},
			{
				name:   "css_expression",
				weight: 2,
				re:     regexp.MustCompile(`\bexpression\s*\(|\bsrcdoc\s*=`),
			},
			{
				name:   "generic_tag",
				weight: 1,
				re:     regexp.MustCompile(`<[a-z!/][^>]*>`),
			},
		},
	}
}
