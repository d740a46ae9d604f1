package context

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	sessionIDKey
	viewerIDKey
	creatorIDKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithSession tags ctx with the metering session identity.
func WithSession(ctx context.Context, sessionID, viewerID, creatorID string) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	ctx = context.WithValue(ctx, viewerIDKey, viewerID)
	return context.WithValue(ctx, creatorIDKey, creatorID)
}

func SessionFromContext(ctx context.Context) (sessionID, viewerID, creatorID string) {
	return stringValue(ctx, sessionIDKey), stringValue(ctx, viewerIDKey), stringValue(ctx, creatorIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
