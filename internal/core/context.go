package core

import "context"

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID tags ctx with the id of the chat turn or HTTP request. The id
// is forwarded upstream as X-Request-ID and appears in every log line of the turn.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the id set by WithRequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// EnsureRequestID keeps an id already on ctx, otherwise tags ctx with newID().
func EnsureRequestID(ctx context.Context, newID func() string) (context.Context, string) {
	if id := GetRequestID(ctx); id != "" {
		return ctx, id
	}
	id := newID()
	return WithRequestID(ctx, id), id
}
