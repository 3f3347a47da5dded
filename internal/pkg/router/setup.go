package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/pixelcore/internal/pkg/mediacore"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

func InstallRouter(app *fiber.App, svc *mediacore.Service) {
	setup(app, NewMetricsRouter(), NewApiRouter(svc))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
