package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID   contextKey = "trace_id"
	keyAccountID contextKey = "account_id"
	keyWorkflow  contextKey = "workflow"
	keyRequestID contextKey = "request_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithAccountID adds the automated account ID to context.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, keyAccountID, accountID)
}

// AccountID extracts the automated account ID from context.
func AccountID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAccountID).(string)
	return v, ok && v != ""
}

// WithWorkflow adds the logical workflow name (e.g. "Comment") to context.
func WithWorkflow(ctx context.Context, workflow string) context.Context {
	return context.WithValue(ctx, keyWorkflow, workflow)
}

// Workflow extracts the logical workflow name from context.
func Workflow(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyWorkflow).(string)
	return v, ok && v != ""
}

// WithRequestID adds the diagnostics API request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts the diagnostics API request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}
