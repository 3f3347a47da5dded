package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/pixelcore/internal/pkg/config"
	"github.com/ManuelReschke/pixelcore/internal/pkg/env"
	"github.com/ManuelReschke/pixelcore/internal/pkg/mediacore"
	"github.com/ManuelReschke/pixelcore/internal/pkg/router"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app, svc, cfg, err := NewApplication()
	if err != nil {
		log.Fatalf("[Main] Startup failed: %v", err)
	}
	svc.Start()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port)
		if err := app.Listen(addr); err != nil {
			log.Errorf("[Main] Server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Warnf("[Main] HTTP shutdown: %v", err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		log.Warnf("[Main] Media core shutdown: %v", err)
	}
	log.Info("[Main] Bye")
}

func NewApplication() (*fiber.App, *mediacore.Service, *config.Config, error) {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	cfg.ApplyLogLevel()

	svc, err := mediacore.New(context.Background(), cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 4 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app, svc)

	return app, svc, cfg, nil
}
