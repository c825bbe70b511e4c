package middleware

import "context"

type identityKey struct{}

// identity is filled by AuthMiddleware so that outer middleware can see who
// made the request after the handler returns.
type identity struct {
	deviceID string
}

func withIdentity(ctx context.Context, id *identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) *identity {
	id, _ := ctx.Value(identityKey{}).(*identity)
	return id
}
