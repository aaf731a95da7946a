package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"

	"vigil/internal/config"
	"vigil/internal/jobs"
	"vigil/internal/logging"
	"vigil/internal/models"
	"vigil/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}

	logging.Init()
	cfg := config.Load()

	manager, err := services.NewManager(cfg, services.ManagerOptions{
		EventSink: func(event string, payload map[string]interface{}) {
			log.Printf("📡 [EVENT] %s %v", event, payload)
		},
	})
	if err != nil {
		log.Fatalf("❌ Failed to build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		log.Fatalf("❌ Failed to start engine: %v", err)
	}

	scheduler := jobs.NewScheduler()
	scheduler.Register(jobs.NewMemoryDecayJob(manager.Memory, cfg.DecaySweepInterval))
	scheduler.Register(jobs.NewMemoryCleanupJob(manager.Memory, cfg.CleanupInterval))
	scheduler.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:               "vigil",
		DisableStartupMessage: true,
	})

	prometheus := fiberprometheus.New("vigil")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)

	registerRoutes(app, manager)

	go func() {
		log.Printf("🚀 Server listening on :%s", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down...")
	if err := app.Shutdown(); err != nil {
		log.Printf("⚠️ Server shutdown: %v", err)
	}
	scheduler.Stop()
	cancel()
	manager.Stop()
}

func registerRoutes(app *fiber.App, manager *services.Manager) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Inbound webhooks fan out to matching webhook triggers.
	app.All("/api/wh/:path", func(c *fiber.Ctx) error {
		headers := make(map[string]string)
		for k, values := range c.GetReqHeaders() {
			if len(values) > 0 {
				headers[k] = values[0]
			}
		}

		matched, err := manager.Triggers.HandleWebhook(c.Context(), c.Params("path"), c.Method(), headers, c.Body())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"matched": len(matched), "trigger_ids": matched})
	})

	// External signals for condition triggers.
	app.Post("/api/events/:userId", func(c *fiber.Ctx) error {
		var data map[string]interface{}
		if err := c.BodyParser(&data); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
		}

		fired, err := manager.Triggers.EvaluateCondition(c.Context(), c.Params("userId"), data)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"fired": len(fired), "trigger_ids": fired})
	})

	app.Get("/api/notifications/:userId", func(c *fiber.Ctx) error {
		unreadOnly := c.QueryBool("unread", false)
		return c.JSON(manager.Notifier.List(c.Params("userId"), unreadOnly))
	})

	app.Get("/api/notifications/:userId/unread-count", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"count": manager.Notifier.UnreadCount(c.Params("userId"))})
	})

	app.Post("/api/notifications/:userId/:id/read", func(c *fiber.Ctx) error {
		if !manager.Notifier.MarkRead(c.Params("userId"), c.Params("id")) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification not found"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Delete("/api/notifications/:userId/:id", func(c *fiber.Ctx) error {
		if !manager.Notifier.Dismiss(c.Params("userId"), c.Params("id")) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification not found"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Put("/api/notifications/:userId/preferences", func(c *fiber.Ctx) error {
		var prefs models.NotificationPreferences
		if err := c.BodyParser(&prefs); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
		}
		prefs.UserID = c.Params("userId")
		if err := manager.Notifier.SetPreferences(&prefs); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/api/memories/:userId/stats", func(c *fiber.Ctx) error {
		stats, err := manager.Memory.GetStats(c.Context(), c.Params("userId"))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(stats)
	})
}
