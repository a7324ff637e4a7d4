package ctxutil

import (
	"context"
	"time"
)

// Keys for context values
type contextKey string

const (
	keyConnID    contextKey = "conn_id"
	keyProxy     contextKey = "proxy"
	keyRunID     contextKey = "run_id"
	keyStartTime contextKey = "start_time"
)

// WithConnID adds a work connection ID to the context.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyConnID, id)
}

// ConnID retrieves the work connection ID from context.
func ConnID(ctx context.Context) string {
	if v, ok := ctx.Value(keyConnID).(string); ok {
		return v
	}
	return ""
}

// WithProxy adds a proxy name to the context.
func WithProxy(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyProxy, name)
}

// Proxy retrieves the proxy name from context.
func Proxy(ctx context.Context) string {
	if v, ok := ctx.Value(keyProxy).(string); ok {
		return v
	}
	return ""
}

// WithRunID adds the session run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID retrieves the session run ID from context.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRunID).(string); ok {
		return v
	}
	return ""
}

// WithStartTime adds a start time to the context.
func WithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, keyStartTime, t)
}

// Elapsed returns time since the context's start time.
func Elapsed(ctx context.Context) time.Duration {
	start, ok := ctx.Value(keyStartTime).(time.Time)
	if !ok || start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// Fields extracts all context values as a map for logging.
func Fields(ctx context.Context) map[string]any {
	fields := make(map[string]any)
	if id := ConnID(ctx); id != "" {
		fields["conn_id"] = id
	}
	if name := Proxy(ctx); name != "" {
		fields["proxy"] = name
	}
	if runID := RunID(ctx); runID != "" {
		fields["run_id"] = runID
	}
	if _, ok := ctx.Value(keyStartTime).(time.Time); ok {
		fields["elapsed_ms"] = Elapsed(ctx).Milliseconds()
	}
	return fields
}

// Merge merges multiple field maps into one.
func Merge(fieldMaps ...map[string]any) map[string]any {
	result := make(map[string]any)
	for _, m := range fieldMaps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
