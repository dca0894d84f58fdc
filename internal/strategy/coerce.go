package strategy

import (
	"html"
	"strconv"
	"strings"
)

// JSON-LD and model completions both arrive as loosely typed JSON. These
// helpers coerce the common shapes to strings.

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(html.UnescapeString(t))
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		for _, k := range []string{"url", "text", "name", "@value", "contentUrl"} {
			if s := str(t[k]); s != "" {
				return s
			}
		}
	case []any:
		for _, it := range t {
			if s := str(it); s != "" {
				return s
			}
		}
	}
	return ""
}

// joined flattens a string or list to a comma separated string.
func joined(v any) string {
	if arr, ok := v.([]any); ok {
		var parts []string
		for _, it := range arr {
			if s := str(it); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return str(v)
}

// list flattens strings, arrays, HowToStep and HowToSection shapes into a
// list of non-empty strings. A single string is split on line breaks.
func list(v any) []string {
	var out []string
	switch t := v.(type) {
	case nil:
	case string:
		for _, line := range strings.Split(t, "\n") {
			if s := str(line); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, it := range t {
			out = append(out, list(it)...)
		}
	case map[string]any:
		if items, ok := t["itemListElement"]; ok {
			return list(items)
		}
		for _, k := range []string{"text", "name"} {
			if s := str(t[k]); s != "" {
				return []string{s}
			}
		}
	default:
		if s := str(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// firstOf returns the first key of m holding a non-nil value.
func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
