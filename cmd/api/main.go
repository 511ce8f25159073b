package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anjiri1684/detailer_payouts/app"
	config "github.com/anjiri1684/detailer_payouts/configs"
	"github.com/anjiri1684/detailer_payouts/handlers"
	"github.com/anjiri1684/detailer_payouts/jobs"
	"github.com/anjiri1684/detailer_payouts/routes"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("🔥 Invalid configuration: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatal("🔥 JWT_SECRET is required to serve the operator API")
	}

	container, err := app.New(cfg)
	if err != nil {
		log.Fatalf("🔥 Startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go container.Hub.Run(ctx)

	scheduler, err := jobs.StartScheduler(ctx, jobs.Schedule{
		Weekly:    cfg.WeeklyPayoutCron,
		Retry:     cfg.RetryCron,
		Reconcile: cfg.ReconcileCron,
		Location:  cfg.PayoutLocation,
	}, container.Jobs)
	if err != nil {
		log.Fatalf("🔥 Failed to schedule payout jobs: %v", err)
	}

	server := fiber.New(fiber.Config{
		AppName:      "Detailer Payouts",
		JSONEncoder:  sonic.Marshal,
		JSONDecoder:  sonic.Unmarshal,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			log.Printf("[ERROR] %v | Path: %s | Method: %s", err, c.Path(), c.Method())
			return c.Status(code).JSON(fiber.Map{
				"status":  "error",
				"code":    code,
				"message": err.Error(),
			})
		},
	})

	server.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:  "GET, POST, PUT, OPTIONS",
		ExposeHeaders: "Content-Length, Content-Disposition",
		MaxAge:        86400,
	}))
	server.Use(recover.New())
	server.Use(logger.New(logger.Config{
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   cfg.PayoutLocation.String(),
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	server.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	server.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	routes.PayoutRoutes(server, cfg.JWTSecret,
		handlers.NewPayoutHandler(container.Transfers, container.Fees, container.Jobs, cfg.PayoutLocation), container.Hub)
	routes.BookingRoutes(server, cfg.JWTSecret, handlers.NewBookingHandler(container.Bookings))

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		if err := server.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Printf("🔥 Server shutdown: %v", err)
		}
	}()

	log.Printf("✅ Server is running on port %s", cfg.Port)
	if err := server.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("🔥 Server failed to start: %v", err)
	}

	<-scheduler.Stop().Done()
	container.WaitStatements()
	log.Println("✅ Shutdown complete")
}
