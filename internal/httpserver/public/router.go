package public

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/open_model_server/internal/app"
	"github.com/ncecere/open_model_server/internal/httpserver/httputil"
	"github.com/ncecere/open_model_server/internal/requestctx"
)

// Register wires up the OpenAI-compatible public API routes.
func Register(app *fiber.App, container *app.Container) {
	apiKey := httputil.RequireKey(container.Keys, requestctx.PermissionAPI)
	withModel := httputil.RequireModel(container.Models)
	handler := &openAIHandler{container: container}

	group := app.Group("/v1")
	group.Get("/models", apiKey, handler.listModels)
	group.Get("/model/list", apiKey, handler.listModels)
	group.Get("/model", apiKey, withModel, handler.currentModel)
	group.Get("/templates", apiKey, handler.listTemplates)
	group.Get("/template/list", apiKey, handler.listTemplates)
	group.Get("/template/switch", apiKey, withModel, handler.switchTemplate)
	group.Post("/template/switch", apiKey, withModel, handler.switchTemplate)
	group.Post("/completions", apiKey, withModel, handler.completions)
	group.Post("/chat/completions", apiKey, withModel, handler.chatCompletions)
}
