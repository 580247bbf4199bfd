package grid

import (
	"context"

	"pkt.systems/gridsync/internal/uuidv7"
)

type contextKey string

const (
	invocationIDKey contextKey = "grid.invocation_id"
	replayOnlyKey   contextKey = "grid.replay_only"
)

// WithInvocationID tags ctx with the id identifying one logical invocation.
// Engines record applied ids, so an Invoke repeated with the same id returns
// the recorded result instead of applying the processor again.
func WithInvocationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, invocationIDKey, id)
}

// InvocationID returns the invocation id carried by ctx.
func InvocationID(ctx context.Context) string {
	id, _ := ctx.Value(invocationIDKey).(string)
	return id
}

// EnsureInvocationID returns ctx carrying an invocation id, minting one if needed.
func EnsureInvocationID(ctx context.Context) (context.Context, string) {
	if id := InvocationID(ctx); id != "" {
		return ctx, id
	}
	id := uuidv7.NewString()
	return WithInvocationID(ctx, id), id
}

// WithReplayOnly asks the engine to return the recorded result of the
// invocation id on ctx, or ErrNotApplied, without running the processor.
func WithReplayOnly(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayOnlyKey, true)
}

// ReplayOnly reports whether ctx requests replay-only semantics.
func ReplayOnly(ctx context.Context) bool {
	v, _ := ctx.Value(replayOnlyKey).(bool)
	return v
}
