package revenium

import "context"

type usageMetadataKey struct{}

// WithUsageMetadata attaches usage metadata to the context. Nested calls
// merge with the enclosing scope; keys set by the inner scope win. The
// input map is copied, so later mutation by the caller has no effect.
func WithUsageMetadata(ctx context.Context, metadata map[string]interface{}) context.Context {
	merged := make(map[string]interface{}, len(metadata))
	for k, v := range GetUsageMetadata(ctx) {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	return context.WithValue(ctx, usageMetadataKey{}, merged)
}

// GetUsageMetadata returns the usage metadata attached to the context,
// or nil when none is set. The returned map must not be mutated.
func GetUsageMetadata(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	md, _ := ctx.Value(usageMetadataKey{}).(map[string]interface{})
	return md
}
