package httputil

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/open_model_server/internal/auth"
	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/catalog"
	"github.com/ncecere/open_model_server/internal/generation"
	"github.com/ncecere/open_model_server/internal/lifecycle"
	"github.com/ncecere/open_model_server/internal/limits"
	"github.com/ncecere/open_model_server/internal/models"
	"github.com/ncecere/open_model_server/internal/prompt"
)

// WriteError standardizes JSON error responses for both admin and public APIs.
func WriteError(c *fiber.Ctx, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}

// WriteStatusError writes err with the status StatusFor assigns to it.
func WriteStatusError(c *fiber.Ctx, err error) error {
	return WriteError(c, StatusFor(err), err.Error())
}

// StatusFor maps domain errors onto HTTP status codes.
func StatusFor(err error) int {
	var (
		modelErr    *models.ValidationError
		genErr      *generation.ValidationError
		templateErr *prompt.TemplateError
		loadErr     *lifecycle.LoadError
		backendErr  *backend.Error
		fiberErr    *fiber.Error
	)
	switch {
	case err == nil:
		return fiber.StatusOK
	case errors.As(err, &modelErr), errors.As(err, &genErr):
		return fiber.StatusBadRequest
	case errors.As(err, &loadErr):
		return fiber.StatusUnprocessableEntity
	case errors.As(err, &templateErr):
		return fiber.StatusBadRequest
	case errors.Is(err, lifecycle.ErrTransitionInProgress), errors.Is(err, lifecycle.ErrAlreadyLoaded):
		return fiber.StatusConflict
	case errors.Is(err, lifecycle.ErrNotLoaded), errors.Is(err, backend.ErrNoModel):
		return fiber.StatusPreconditionFailed
	case errors.Is(err, lifecycle.ErrLoadCancelled):
		return fiber.StatusRequestTimeout
	case errors.Is(err, catalog.ErrModelNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, limits.ErrLimitExceeded):
		return fiber.StatusTooManyRequests
	case errors.Is(err, auth.ErrMissingKey), errors.Is(err, auth.ErrInvalidKey):
		return fiber.StatusUnauthorized
	case errors.As(err, &backendErr):
		return fiber.StatusBadGateway
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	default:
		return fiber.StatusInternalServerError
	}
}
