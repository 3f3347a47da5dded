package apiv1

import (
	"github.com/gofiber/fiber/v2"
)

// RegisterHandlers mounts every v1 endpoint on router.
func RegisterHandlers(router fiber.Router, s *APIServer) {
	router.Get("/ping", s.GetPing)
	router.Post("/process", s.PostProcess)

	router.Post("/tasks", s.PostTask)
	router.Get("/tasks/stats", s.GetQueueStats)
	router.Get("/tasks/:id", func(c *fiber.Ctx) error { return s.GetTask(c, c.Params("id")) })
	router.Delete("/tasks/:id", func(c *fiber.Ctx) error { return s.DeleteTask(c, c.Params("id")) })

	router.Get("/cache/stats", s.GetCacheStats)
	router.Post("/cache/invalidate", s.PostCacheInvalidate)
	router.Get("/temp/usage", s.GetTempUsage)

	router.Get("/monitor/stats", s.GetMonitorStats)
	router.Get("/monitor/degradation", s.GetDegradation)
	router.Get("/monitor/alerts", s.GetAlerts)
}
