package public

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/open_model_server/internal/cache"
	"github.com/ncecere/open_model_server/internal/httpserver/httputil"
	"github.com/ncecere/open_model_server/internal/limits"
	"github.com/ncecere/open_model_server/internal/models"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// idempotencyKey scopes the client's Idempotency-Key to the caller and route.
func idempotencyKey(c *fiber.Ctx) string {
	raw := strings.TrimSpace(c.Get(headerIdempotencyKey))
	if raw == "" {
		return ""
	}
	scope := ""
	if rc, ok := httputil.RequestContext(c); ok {
		scope = rc.KeyID
	}
	return cache.Key(scope, c.Path(), raw)
}

// replay answers the request from the idempotency cache when possible.
func (h *openAIHandler) replay(c *fiber.Ctx, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	entry, ok := h.container.Idempotency.Get(c.UserContext(), key)
	if !ok {
		return false, nil
	}
	c.Set(fiber.HeaderContentType, entry.ContentType)
	c.Set(headerReplayed, "true")
	return true, c.Status(entry.Status).Send(entry.Body)
}

// respondJSON writes payload and remembers it under key.
func (h *openAIHandler) respondJSON(c *fiber.Ctx, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "encode response")
	}
	if key != "" {
		entry := cache.Entry{Status: fiber.StatusOK, ContentType: fiber.MIMEApplicationJSON, Body: body}
		if err := h.container.Idempotency.Set(c.UserContext(), key, entry); err != nil {
			h.container.Logger.Warn("store idempotent response", slog.String("error", err.Error()))
		}
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(body)
}

// chargeTokens bills usage to the caller's token budget. The response has
// already been produced, so an exhausted budget only affects later requests.
func (h *openAIHandler) chargeTokens(ctx context.Context, usage *models.Usage) {
	if usage == nil {
		return
	}
	if err := h.container.ChargeTokens(ctx, *usage); err != nil && !errors.Is(err, limits.ErrLimitExceeded) {
		h.container.Logger.Warn("charge tokens", slog.String("error", err.Error()))
	}
}
