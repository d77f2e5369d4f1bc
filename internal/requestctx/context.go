package requestctx

import (
	"context"
)

type contextKey string

const fiberLocalsKey = "requestctx"

// Key is the typed context key used for storing the RequestContext.
var Key contextKey = "open-model-server/requestctx"

// Permission is the tier granted by the presented key.
type Permission string

const (
	PermissionNone  Permission = ""
	PermissionAPI   Permission = "api"
	PermissionAdmin Permission = "admin"
)

// Context captures the caller identity resolved from the request key.
type Context struct {
	// KeyID is a stable, non-secret identifier for the key. It scopes rate
	// limits and idempotency entries.
	KeyID      string
	Permission Permission
}

// IsAdmin reports whether the caller holds the admin tier.
func (c *Context) IsAdmin() bool {
	return c != nil && c.Permission == PermissionAdmin
}

// Allows reports whether the caller's tier satisfies required. Admin keys
// satisfy the API tier as well.
func (c *Context) Allows(required Permission) bool {
	if c == nil {
		return required == PermissionNone
	}
	switch required {
	case PermissionNone:
		return true
	case PermissionAPI:
		return c.Permission == PermissionAPI || c.Permission == PermissionAdmin
	case PermissionAdmin:
		return c.Permission == PermissionAdmin
	default:
		return false
	}
}

// WithContext embeds the request context into the parent context.
func WithContext(parent context.Context, rc *Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, Key, rc)
}

// FromContext retrieves the request context if present.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(Key).(*Context)
	return rc, ok
}

// FiberLocalsKey returns the key used in fiber.Locals for request context storage.
func FiberLocalsKey() string {
	return fiberLocalsKey
}
