package numeric

import "strings"

// Flatten turns nested maps into a single level keyed by dotted paths.
// Non-map values, including slices, and empty maps are kept as leaves.
func Flatten(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flattenInto(out, "", in)
	return out
}

func flattenInto(out map[string]interface{}, prefix string, in map[string]interface{}) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok && nested != nil {
			if len(nested) == 0 {
				out[key] = map[string]interface{}{}
				continue
			}
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}

// Unflatten is the inverse of Flatten.
func Unflatten(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, v := range in {
		parts := strings.Split(key, ".")
		node := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := node[p].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				node[p] = next
			}
			node = next
		}
		leaf := parts[len(parts)-1]
		if IsEmptyMap(v) {
			// an empty leaf never hides keys already placed under it
			if _, ok := node[leaf].(map[string]interface{}); !ok {
				node[leaf] = map[string]interface{}{}
			}
			continue
		}
		node[leaf] = v
	}
	return out
}

// IsEmptyMap reports whether v is a map with no keys
func IsEmptyMap(v interface{}) bool {
	m, ok := v.(map[string]interface{})
	return ok && len(m) == 0
}
