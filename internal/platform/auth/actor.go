package auth

import (
	"context"
)

// Roles understood by the HTTP adapter.
const (
	RoleDoctor   = "doctor"
	RoleLabTech  = "lab_tech"
	RoleDirector = "director"
	RoleAdmin    = "admin"
)

// ActorContext identifies the authenticated caller. The engine trusts it
// and records UserID on every audit row.
type ActorContext struct {
	UserID string
	Role   string
}

type contextKey string

const actorKey contextKey = "actor"

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor ActorContext) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor resolved by the auth middleware.
func ActorFromContext(ctx context.Context) (ActorContext, bool) {
	actor, ok := ctx.Value(actorKey).(ActorContext)
	return actor, ok && actor.UserID != ""
}

// UserIDFromContext returns the actor's user id, or "" when unauthenticated.
func UserIDFromContext(ctx context.Context) string {
	actor, _ := ActorFromContext(ctx)
	return actor.UserID
}
