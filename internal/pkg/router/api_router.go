package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apiv1 "github.com/ManuelReschke/pixelcore/internal/api/v1"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediacore"
)

type ApiRouter struct {
	svc *mediacore.Service
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer(h.svc)
	apiv1.RegisterHandlers(v1, apiServer)
}

func NewApiRouter(svc *mediacore.Service) *ApiRouter {
	return &ApiRouter{svc: svc}
}

// MetricsRouter serves the Prometheus registry.
type MetricsRouter struct{}

func (m MetricsRouter) InstallRouter(app *fiber.App) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func NewMetricsRouter() *MetricsRouter {
	return &MetricsRouter{}
}
