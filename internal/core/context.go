package core

import "context"

type requestIDKey struct{}

// WithRequestID stores the id the server assigned to the inbound call.
// The upstream client sends it on as X-Request-ID so both sides log the same id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns the id stored by WithRequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
