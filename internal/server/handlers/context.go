package handlers

import "context"

type contextKey string

const (
	// ActorIDKey holds the authenticated actor id.
	ActorIDKey contextKey = "actor_id"
	// DeviceIDKey holds the authenticated device id.
	DeviceIDKey contextKey = "device_id"
	// RoleKey holds the role granted by the token, if any.
	RoleKey contextKey = "role"
)

// WithClaims stores the token identity in ctx.
func WithClaims(ctx context.Context, claims *CustomClaims) context.Context {
	ctx = context.WithValue(ctx, ActorIDKey, claims.ActorID)
	ctx = context.WithValue(ctx, DeviceIDKey, claims.DeviceID)
	return context.WithValue(ctx, RoleKey, claims.Role)
}

// GetActorID returns the authenticated actor.
func GetActorID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ActorIDKey).(string)
	return v, ok && v != ""
}

// GetDeviceID returns the authenticated device.
func GetDeviceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(DeviceIDKey).(string)
	return v, ok && v != ""
}

// GetRole returns the role claim. Empty means any configured role.
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}
