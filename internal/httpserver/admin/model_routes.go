package admin

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/open_model_server/internal/app"
	"github.com/ncecere/open_model_server/internal/httpserver/httputil"
	"github.com/ncecere/open_model_server/internal/models"
)

type modelHandler struct {
	container *app.Container
}

// load blocks until the model is ready. A client that hangs up, or a server
// shutdown, cancels the load at its next progress report.
func (h *modelHandler) load(c *fiber.Ctx) error {
	var req models.ModelLoadRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}

	ctx, stop := httputil.WatchDisconnect(c)
	model, err := h.container.LoadModel(ctx, req, nil)
	stop()
	if err != nil {
		return httputil.WriteStatusError(c, err)
	}
	return c.JSON(model.Card())
}

// unload always forces the engine to release the model.
func (h *modelHandler) unload(c *fiber.Ctx) error {
	model, _ := httputil.CurrentModel(c)
	if err := h.container.Models.Unload(c.Context(), true); err != nil {
		return httputil.WriteStatusError(c, err)
	}
	h.container.Logger.Info("unload requested", slog.String("model", model.Name()))
	return c.SendStatus(fiber.StatusOK)
}
