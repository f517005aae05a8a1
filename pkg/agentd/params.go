package agentd

import "strconv"

// firstString returns the first non-empty string value among keys. Older
// gateway builds used action-specific parameter names (working_dir, file,
// directory), so path-role lookups carry those as aliases of "path".
func firstString(params map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := params[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// stringOr returns the first non-empty string among keys, or def.
func stringOr(params map[string]any, def string, keys ...string) string {
	if s, ok := firstString(params, keys...); ok {
		return s
	}
	return def
}

// boolTrue reports whether key is present and exactly boolean true.
func boolTrue(params map[string]any, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// intOr extracts an integer from the first usable value among keys. JSON
// numbers arrive as float64; numeric strings are accepted too. Anything else
// falls back to def.
func intOr(params map[string]any, def int, keys ...string) int {
	for _, key := range keys {
		v, ok := params[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		case string:
			if parsed, err := strconv.Atoi(n); err == nil {
				return parsed
			}
		}
	}
	return def
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
