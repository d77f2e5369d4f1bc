package httputil

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/open_model_server/internal/auth"
	"github.com/ncecere/open_model_server/internal/lifecycle"
	"github.com/ncecere/open_model_server/internal/requestctx"
)

const (
	HeaderAPIKey   = "x-api-key"
	HeaderAdminKey = "x-admin-key"

	modelLocalsKey = "model"
)

// RequireKey authenticates the caller and rejects keys below tier.
func RequireKey(keys *auth.KeyRing, tier requestctx.Permission) fiber.Handler {
	return func(c *fiber.Ctx) error {
		presented := auth.ExtractKey(c.Get(fiber.HeaderAuthorization), c.Get(HeaderAdminKey), c.Get(HeaderAPIKey))
		rc, err := keys.Authenticate(presented)
		if err != nil {
			return WriteStatusError(c, err)
		}
		if !rc.Allows(tier) {
			return WriteError(c, fiber.StatusUnauthorized, "key does not have "+string(tier)+" permission")
		}

		c.Locals(requestctx.FiberLocalsKey(), rc)
		c.SetUserContext(requestctx.WithContext(c.UserContext(), rc))
		return c.Next()
	}
}

// RequireModel rejects the request unless a model is loaded and pins the
// model handle for the rest of the request.
func RequireModel(controller *lifecycle.Controller) fiber.Handler {
	return func(c *fiber.Ctx) error {
		model, ok := controller.Current()
		if !ok {
			return WriteError(c, fiber.StatusPreconditionFailed, "no model is currently loaded")
		}
		c.Locals(modelLocalsKey, model)
		return c.Next()
	}
}

// CurrentModel returns the model pinned by RequireModel.
func CurrentModel(c *fiber.Ctx) (*lifecycle.Model, bool) {
	model, ok := c.Locals(modelLocalsKey).(*lifecycle.Model)
	return model, ok && model != nil
}

// RequestContext returns the caller resolved by RequireKey.
func RequestContext(c *fiber.Ctx) (*requestctx.Context, bool) {
	rc, ok := c.Locals(requestctx.FiberLocalsKey()).(*requestctx.Context)
	return rc, ok && rc != nil
}
