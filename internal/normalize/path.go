package normalize

import "strings"

// NormalizePath removes empty, "." and ".." segments. Leading and trailing
// slashes are kept; ".." never climbs above the root.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}

	leading := strings.HasPrefix(path, "/")
	trailing := strings.HasSuffix(path, "/") && path != "/"

	parts := strings.Split(path, "/")
	stack := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}

	var b strings.Builder
	if leading {
		b.WriteString("/")
	}
	b.WriteString(strings.Join(stack, "/"))
	if trailing && b.Len() > 1 {
		b.WriteString("/")
	}

	out := b.String()
	if out == "" {
		return "/"
	}
	return out
}

func normalizePath(input string) (string, bool) {
	if input == "" {
		return input, true
	}
	return NormalizePath(input), true
}

// normalizePathWin treats backslashes as separators before normalizing.
func normalizePathWin(input string) (string, bool) {
	return normalizePath(strings.ReplaceAll(input, `\`, "/"))
}
