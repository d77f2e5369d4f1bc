package public

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/open_model_server/internal/httpserver/httputil"
	"github.com/ncecere/open_model_server/internal/models"
	"github.com/ncecere/open_model_server/internal/prompt"
)

func (h *openAIHandler) listModels(c *fiber.Ctx) error {
	cards, err := h.container.Catalog.List()
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "failed to list models")
	}
	return c.JSON(models.ModelList{Object: "list", Data: cards})
}

func (h *openAIHandler) currentModel(c *fiber.Ctx) error {
	model, _ := httputil.CurrentModel(c)
	return c.JSON(model.Card())
}

func (h *openAIHandler) listTemplates(c *fiber.Ctx) error {
	names, err := h.container.Templates.List()
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "failed to list templates")
	}
	return c.JSON(models.TemplateList{Object: "list", Data: names})
}

// switchTemplate accepts the template name as a query parameter or in a
// JSON body, for GET and POST alike.
func (h *openAIHandler) switchTemplate(c *fiber.Ctx) error {
	req := models.TemplateSwitchRequest{PromptTemplateName: c.Query("prompt_template_name")}
	if req.PromptTemplateName == "" && len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	if err := req.Validate(); err != nil {
		return httputil.WriteStatusError(c, err)
	}

	if _, err := h.container.Models.SwitchTemplate(req.PromptTemplateName); err != nil {
		if errors.Is(err, prompt.ErrTemplateNotFound) {
			return httputil.WriteError(c, fiber.StatusNotFound, err.Error())
		}
		return httputil.WriteStatusError(c, err)
	}

	model, _ := httputil.CurrentModel(c)
	return c.JSON(model.Card())
}
