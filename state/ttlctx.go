package state

import "context"

// ttlCtxKey carries the outgoing flood radius across the Collaborator
// boundary. The wire formats (§6) carry no TTL field — TTL management
// belongs to the lower transport framing (§1, out of scope) — but a
// reference/test Collaborator still needs to know how far to flood a
// given SendCtl call. WithSendTTL lets ControlMessages/DiscoveryCoordinator
// communicate that without adding a parameter to the Collaborator
// interface itself.
type ttlCtxKey struct{}

// WithSendTTL attaches the outgoing hop budget to ctx for the duration
// of one SendCtl call.
func WithSendTTL(ctx context.Context, ttl uint8) context.Context {
	return context.WithValue(ctx, ttlCtxKey{}, ttl)
}

// SendTTLFromContext retrieves the hop budget attached by WithSendTTL,
// defaulting to 1 (single-hop, i.e. "don't relay further") if absent.
func SendTTLFromContext(ctx context.Context) uint8 {
	if v, ok := ctx.Value(ttlCtxKey{}).(uint8); ok {
		return v
	}
	return 1
}
