package revenium

import "fmt"

// MaxMetadataDepth is how deep nested metadata maps are preserved before
// being dropped during sanitization.
const MaxMetadataDepth = 5

// MergeMetadata combines per-call metadata with ambient metadata from the
// context. Keys are merged shallowly: a per-call value replaces the ambient
// value for the same key wholesale, nested maps are not merged together.
// Neither input is mutated.
func MergeMetadata(perCall, ambient map[string]interface{}) map[string]interface{} {
	if perCall == nil && ambient == nil {
		return nil
	}
	merged := make(map[string]interface{}, len(perCall)+len(ambient))
	for k, v := range ambient {
		merged[k] = v
	}
	for k, v := range perCall {
		merged[k] = v
	}
	return merged
}

// SanitizeMetadata normalizes caller-supplied metadata into a form safe to
// serialize on a usage event. Nested maps are preserved up to
// MaxMetadataDepth levels; anything deeper collapses to an empty map.
// Slices and arrays are stringified. Scalars pass through unchanged.
// Non-string keys and values of unknown types are stringified. Sanitization
// is total: it never fails, whatever the input.
func SanitizeMetadata(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	return sanitizeMap(metadata, MaxMetadataDepth)
}

func sanitizeMap(m map[string]interface{}, depth int) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v, depth)
	}
	return out
}

func sanitizeValue(v interface{}, depth int) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	case map[string]interface{}:
		if depth <= 1 {
			return map[string]interface{}{}
		}
		return sanitizeMap(val, depth-1)
	case map[interface{}]interface{}:
		if depth <= 1 {
			return map[string]interface{}{}
		}
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[fmt.Sprint(k)] = sanitizeValue(inner, depth-1)
		}
		return out
	case []interface{}:
		return fmt.Sprint(val)
	case []string:
		return fmt.Sprint(val)
	default:
		return fmt.Sprint(val)
	}
}
