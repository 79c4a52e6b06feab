// Package auth resolves the acting user for billing requests, either from a
// verified bearer token or, in development, from a trusted gateway header.
package auth

import "context"

type contextKey string

const ActorIDKey contextKey = "actor_id"

// ActorHeader carries the user id when a gateway in front of the service has
// already authenticated the caller.
const ActorHeader = "X-Actor-ID"

func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

func ActorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ActorIDKey).(string)
	return id
}
