package admin

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/open_model_server/internal/app"
	"github.com/ncecere/open_model_server/internal/httpserver/httputil"
	"github.com/ncecere/open_model_server/internal/requestctx"
)

// Register wires up the admin-tier model management routes.
func Register(app *fiber.App, container *app.Container) {
	adminKey := httputil.RequireKey(container.Keys, requestctx.PermissionAdmin)
	handler := &modelHandler{container: container}

	group := app.Group("/v1/model")
	group.Post("/load", adminKey, handler.load)
	group.Post("/unload", adminKey, httputil.RequireModel(container.Models), handler.unload)
}
