package guard

import (
	"context"
	"strings"
)

type ctxKeySessionID struct{}

// WithSessionID tags ctx with the agent session issuing gated calls.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID{}, strings.TrimSpace(sessionID))
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(ctxKeySessionID{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
