package public

import (
	"bufio"
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/open_model_server/internal/app"
	"github.com/ncecere/open_model_server/internal/generation"
	"github.com/ncecere/open_model_server/internal/httpserver/httputil"
	"github.com/ncecere/open_model_server/internal/lifecycle"
	"github.com/ncecere/open_model_server/internal/models"
)

type openAIHandler struct {
	container *app.Container
}

func (h *openAIHandler) completions(c *fiber.Ctx) error {
	var req models.CompletionRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return httputil.WriteStatusError(c, err)
	}
	model, _ := httputil.CurrentModel(c)

	key := idempotencyKey(c)
	if replayed, err := h.replay(c, key); replayed {
		return err
	}

	ctx, cancel := h.syncContext(c)
	defer cancel()

	_, release, err := h.container.AcquireRateLimits(ctx)
	if err != nil {
		return httputil.WriteStatusError(c, err)
	}
	defer release()

	resp, err := h.container.Generation.Complete(ctx, model, req)
	if err != nil {
		return httputil.WriteStatusError(c, err)
	}
	h.chargeTokens(ctx, resp.Usage)
	return h.respondJSON(c, key, resp)
}

func (h *openAIHandler) chatCompletions(c *fiber.Ctx) error {
	var req models.ChatCompletionRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return httputil.WriteStatusError(c, err)
	}
	model, _ := httputil.CurrentModel(c)

	if req.Stream {
		return h.streamChat(c, model, req)
	}

	key := idempotencyKey(c)
	if replayed, err := h.replay(c, key); replayed {
		return err
	}

	ctx, cancel := h.syncContext(c)
	defer cancel()

	_, release, err := h.container.AcquireRateLimits(ctx)
	if err != nil {
		return httputil.WriteStatusError(c, err)
	}
	defer release()

	resp, err := h.container.Generation.GenerateChat(ctx, model, req)
	if err != nil {
		return httputil.WriteStatusError(c, err)
	}
	h.chargeTokens(ctx, resp.Usage)
	return h.respondJSON(c, key, resp)
}

// streamChat answers with server-sent events. Errors raised before the
// first event are reported as ordinary JSON errors.
func (h *openAIHandler) streamChat(c *fiber.Ctx, model *lifecycle.Model, req models.ChatCompletionRequest) error {
	ctx := c.UserContext()
	_, release, err := h.container.AcquireRateLimits(ctx)
	if err != nil {
		return httputil.WriteStatusError(c, err)
	}

	// the watch covers the whole stream, including the wait for the first
	// element; a failed write also cancels it
	disconnect, stopWatch := httputil.WatchDisconnect(c)
	stream, err := h.container.Generation.OpenChatStream(disconnect, model, req)
	if err != nil {
		stopWatch()
		release()
		return httputil.WriteStatusError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")

	doneMarker := h.container.Config.Server.StreamDoneMarker
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		defer stopWatch()
		defer stream.Close()

		sink := generation.NewSSESink(w)
		if err := stream.Pump(sink); err != nil {
			// already logged; the stream ends without a terminator
			return
		}
		if !stream.Completed() {
			return
		}
		usage := stream.Usage()
		h.chargeTokens(ctx, &usage)
		if doneMarker {
			if err := sink.Done(); err != nil {
				h.container.Logger.Debug("write stream terminator", slog.String("completion_id", stream.ID), slog.String("error", err.Error()))
			}
		}
	})
	return nil
}

// syncContext bounds a non-streaming generation by server.sync_timeout.
func (h *openAIHandler) syncContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	timeout := h.container.Config.Server.SyncTimeout
	if timeout <= 0 {
		return context.WithCancel(c.UserContext())
	}
	return context.WithTimeout(c.UserContext(), timeout)
}
