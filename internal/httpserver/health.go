package httpserver

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/open_model_server/internal/app"
)

const healthTimeout = 2 * time.Second

// healthHandler reports the backend probe, the model slot and, when
// configured, Redis. It always answers 200; "degraded" marks a failed check.
func healthHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
		defer cancel()

		checks := map[string]fiber.Map{
			"backend": backendCheck(container),
			"model":   modelCheck(container),
		}
		if container.Redis != nil {
			checks["redis"] = redisCheck(ctx, container)
		}

		overall := "ok"
		for _, check := range checks {
			if check["status"] == "error" {
				overall = "degraded"
			}
		}
		return c.JSON(fiber.Map{"status": overall, "checks": checks})
	}
}

func backendCheck(container *app.Container) fiber.Map {
	status := container.HealthMon.Status()
	check := fiber.Map{"status": "ok"}
	if !status.CheckedAt.IsZero() {
		check["checked_at"] = status.CheckedAt
	}
	if !status.Healthy {
		check["status"] = "error"
		if status.Error != "" {
			check["error"] = status.Error
		}
	}
	return check
}

func modelCheck(container *app.Container) fiber.Map {
	check := fiber.Map{"status": container.Models.State().String()}
	if model, ok := container.Models.Current(); ok {
		check["model"] = model.Name()
	}
	return check
}

func redisCheck(ctx context.Context, container *app.Container) fiber.Map {
	start := time.Now()
	err := container.Redis.Ping(ctx).Err()
	check := fiber.Map{"status": "ok", "latency_ms": time.Since(start).Milliseconds()}
	if err != nil {
		check["status"] = "error"
		check["error"] = err.Error()
	}
	return check
}
