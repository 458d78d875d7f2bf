package clients

import "context"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for the X-Request-ID header
	RequestIDKey contextKey = "request-id"

	// RunIDKey is the context key for the X-Run-ID header
	RunIDKey contextKey = "run-id"
)

// WithRequestID adds a request ID to the context
// This will be automatically extracted and added as X-Request-ID header in HTTP requests
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(RequestIDKey).(string)
	return id, ok && id != ""
}

// WithRunID tags outbound calls with the ingestion run they belong to
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the run ID from context
func GetRunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(RunIDKey).(string)
	return id, ok && id != ""
}
