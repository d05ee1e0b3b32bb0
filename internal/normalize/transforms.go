package normalize

import (
	"encoding/base64"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Func is a single transformation. It returns ok=false when the input could
// not be decoded; the input is then passed through unchanged.
type Func func(string) (string, bool)

var registry = map[string]Func{
	"none":               identity,
	"lowercase":          lowercase,
	"uppercase":          uppercase,
	"urldecode":          URLDecode,
	"urldecodeuni":       urlDecodeUni,
	"htmlentitydecode":   htmlEntityDecode,
	"base64decode":       base64Decode,
	"removewhitespace":   removeWhitespace,
	"compresswhitespace": compressWhitespace,
	"removenulls":        removeNulls,
	"normalizepath":      normalizePath,
	"normalizepathwin":   normalizePathWin,
	"trim":               trim,
}

// Lookup returns the transformation registered under name (case-insensitive).
func Lookup(name string) (Func, bool) {
	fn, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return fn, ok
}

func identity(s string) (string, bool) { return s, true }

func lowercase(s string) (string, bool) { return strings.ToLower(s), true }

func uppercase(s string) (string, bool) { return strings.ToUpper(s), true }

func trim(s string) (string, bool) { return strings.TrimSpace(s), true }

func htmlEntityDecode(s string) (string, bool) {
	if !strings.Contains(s, "&") {
		return s, true
	}
	return html.UnescapeString(s), true
}

func removeNulls(s string) (string, bool) {
	return strings.ReplaceAll(s, "\x00", ""), true
}

func removeWhitespace(s string) (string, bool) {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s), true
}

func compressWhitespace(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte(' ')
			}
			inSpace = true
			continue
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String(), true
}

func base64Decode(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(trimmed); err == nil {
			return string(decoded), true
		}
	}
	return s, false
}

// URLDecode decodes %XX escapes and '+'. Invalid escapes are kept verbatim and
// reported as a soft failure.
func URLDecode(s string) (string, bool) {
	return urlDecode(s, false)
}

func urlDecodeUni(s string) (string, bool) {
	return urlDecode(s, true)
}

func urlDecode(s string, unicodeEscapes bool) (string, bool) {
	if !strings.ContainsAny(s, "%+") {
		return s, true
	}
	ok := true
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '+':
			b.WriteByte(' ')
		case c != '%':
			b.WriteByte(c)
		case unicodeEscapes && i+5 < len(s) && (s[i+1] == 'u' || s[i+1] == 'U') && isHex4(s[i+2:i+6]):
			r := rune(unhex(s[i+2]))<<12 | rune(unhex(s[i+3]))<<8 | rune(unhex(s[i+4]))<<4 | rune(unhex(s[i+5]))
			if !utf8.ValidRune(r) {
				r = utf8.RuneError
			}
			b.WriteRune(r)
			i += 5
		case i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			ok = false
			b.WriteByte(c)
		}
	}
	return b.String(), ok
}

func isHex4(s string) bool {
	return isHex(s[0]) && isHex(s[1]) && isHex(s[2]) && isHex(s[3])
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
