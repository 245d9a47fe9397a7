package ingest

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeString removes NUL and other control characters that break JSON
// and text columns downstream. Tabs and line breaks are kept; invalid UTF-8
// is dropped.
func SanitizeString(s string) string {
	clean := true
	for _, r := range s {
		if r == utf8.RuneError || isStripped(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	s = strings.ToValidUTF8(s, "")
	return strings.Map(func(r rune) rune {
		if isStripped(r) {
			return -1
		}
		return r
	}, s)
}

func isStripped(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	}
	return unicode.IsControl(r)
}

// SanitizeValue walks maps and slices decoded from JSON, sanitizing every
// string and map key. Other values are returned unchanged.
func SanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return SanitizeString(t)
	case map[string]any:
		return SanitizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = SanitizeValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = SanitizeString(e)
		}
		return out
	default:
		return v
	}
}

// SanitizeMap returns a sanitized copy of m. When several keys sanitize to
// the same key, a key that was already clean wins; otherwise the smallest
// original key wins.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	var dirty []string
	for k, v := range m {
		if SanitizeString(k) == k {
			out[k] = SanitizeValue(v)
		} else {
			dirty = append(dirty, k)
		}
	}

	slices.Sort(dirty)
	for _, k := range dirty {
		ck := SanitizeString(k)
		if _, taken := out[ck]; !taken {
			out[ck] = SanitizeValue(m[k])
		}
	}
	return out
}
