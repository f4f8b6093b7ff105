package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"baas-gateway/internal/auth"
	"baas-gateway/internal/config"
	"baas-gateway/internal/engine"
	"baas-gateway/internal/instrument"
	"baas-gateway/internal/logger"
	"baas-gateway/internal/services"
)

func main() {
	fs := pflag.NewFlagSet("baas-gateway", pflag.ExitOnError)
	config.Flags(fs)
	eager := fs.Bool("connect", false, "connect every service at startup")
	_ = fs.Parse(os.Args[1:])

	// 1. Load config
	cfg, err := config.Load(fs)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		logrus.WithError(err).Fatal("failed to init logger")
	}
	log := logger.Default()
	log.WithFields(logrus.Fields{"port": cfg.Server.Port, "services": len(cfg.Services)}).Info("config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Service registry
	registry, err := services.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("invalid service configuration")
	}
	defer registry.Close()
	if *eager {
		registry.ConnectAll(ctx)
	}

	// 3. Fiber app
	appCfg := engine.AppConfig()
	appCfg.BodyLimit = cfg.Server.BodyLimit
	app := fiber.New(appCfg)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.Middleware())
	app.Use(instrument.Middleware(cfg.Instrumentation, instrument.NewLogInstrumenter()))

	// 4. Health check (no auth)
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 5. Service routes (auth required)
	app.Use("/api", auth.Middleware(cfg.Auth))
	engine.RegisterRoutes(app, engine.NewHandler(registry))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.WithError(err).Error("shutdown failed")
		}
	}()

	// 6. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.WithField("addr", addr).Info("starting server")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
