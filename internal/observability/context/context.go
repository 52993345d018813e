package context

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	actorTypeKey
	actorIDKey
	entityKey
)

// Entity identifies the domain object a unit of work is operating on.
type Entity struct {
	Type string
	ID   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, actorTypeKey, actorType)
	return context.WithValue(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx context.Context) (string, string) {
	actorType, _ := ctx.Value(actorTypeKey).(string)
	actorID, _ := ctx.Value(actorIDKey).(string)
	return actorType, actorID
}

func WithEntity(ctx context.Context, entityType, entityID string) context.Context {
	return context.WithValue(ctx, entityKey, Entity{Type: entityType, ID: entityID})
}

func EntityFromContext(ctx context.Context) (Entity, bool) {
	v, ok := ctx.Value(entityKey).(Entity)
	return v, ok
}
