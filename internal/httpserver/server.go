package httpserver

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/ncecere/open_model_server/internal/app"
	adminroutes "github.com/ncecere/open_model_server/internal/httpserver/admin"
	"github.com/ncecere/open_model_server/internal/httpserver/httputil"
	publicroutes "github.com/ncecere/open_model_server/internal/httpserver/public"
)

const defaultShutdownDelay = 5 * time.Second

// Server serves the OpenAI-compatible API of one container.
type Server struct {
	app       *fiber.App
	container *app.Container
}

// New builds the fiber app and mounts every route.
func New(container *app.Container) (*Server, error) {
	if container == nil || container.Config == nil {
		return nil, errors.New("httpserver: container with config required")
	}
	srv := container.Config.Server

	fiberApp := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ServerHeader:          "modeld",
		BodyLimit:             srv.BodyLimitMB * 1024 * 1024,
		ReadTimeout:           srv.ReadTimeout,
		IdleTimeout:           srv.IdleTimeout,
		ReadBufferSize:        4 * 1024,
		WriteBufferSize:       4 * 1024,
		ErrorHandler:          httputil.WriteStatusError,
	})

	fiberApp.Use(requestid.New(), logger.New(), recover.New())
	if container.Observability != nil {
		fiberApp.Use(observe(container.Observability))
		if handler := container.Observability.PrometheusHandler(); handler != nil {
			fiberApp.Get("/metrics", adaptor.HTTPHandler(handler))
		}
	}

	fiberApp.Get("/healthz", healthHandler(container))
	adminroutes.Register(fiberApp, container)
	publicroutes.Register(fiberApp, container)

	return &Server{app: fiberApp, container: container}, nil
}

// App exposes the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until ctx ends, then drains connections for at most
// server.graceful_shutdown_delay.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.container.Config.Server.ListenAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	delay := s.container.Config.Server.GracefulShutdownDelay
	if delay <= 0 {
		delay = defaultShutdownDelay
	}
	if err := s.app.ShutdownWithTimeout(delay); err != nil {
		return err
	}
	return <-errCh
}
