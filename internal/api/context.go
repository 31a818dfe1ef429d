package api

import "context"

// sourceIDContextKey is the context key for the calling device's id.
type sourceIDContextKey struct{}

// WithSourceID returns a new context with the device id attached.
func WithSourceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sourceIDContextKey{}, id)
}

// SourceIDFromContext extracts the device id from the context.
// Returns "anonymous" if not present or empty.
func SourceIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(sourceIDContextKey{}).(string)
	if !ok || id == "" {
		return "anonymous"
	}
	return id
}
