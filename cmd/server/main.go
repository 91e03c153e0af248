package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/relay-billing-go/internal/api"
	"github.com/relay-billing-go/internal/config"
	"github.com/relay-billing-go/internal/services"
	"github.com/relay-billing-go/internal/storage"
	"github.com/relay-billing-go/internal/utils"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := config.Load()

	log := utils.NewLogger(cfg.IsProduction())
	defer log.Sync()

	log.Infow("Configuration loaded",
		"redis_url", cfg.RedisURL,
		"max_workers", cfg.MaxWorkers,
		"port", cfg.Port,
		"env", cfg.Env,
	)
	if err := cfg.Validate(); err != nil {
		log.Fatalw("Invalid configuration", "error", err)
	}
	if cfg.AdminPassword == "" {
		log.Warn("ADMIN_PASSWORD is empty, admin API is unauthenticated")
	}

	redisClient, err := storage.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalw("Failed to connect to Redis", "error", err)
	}
	defer redisClient.Close()

	log.Info("Connected to Redis successfully")

	store := storage.NewStorage(redisClient)

	redeemCipher, err := services.NewPayloadCipher(cfg.EncryptionKey, services.RedeemPayloadSalt)
	if err != nil {
		log.Fatalw("Failed to initialise redeem cipher", "error", err)
	}

	apiKeyService, err := services.NewAPIKeyService(store, cfg.APIKeyPrefix, cfg.CacheTTL, cfg.LocalCacheSize, log)
	if err != nil {
		log.Fatalw("Failed to initialise API key service", "error", err)
	}
	defer apiKeyService.Close()

	workerPool := services.NewWorkerPool(cfg.MaxWorkers)
	templateService := services.NewTemplateService(store, apiKeyService, log)
	orderService := services.NewOrderService(store, templateService, apiKeyService, cfg.PendingOrderTTL, log)

	svc := api.Services{
		Auth:       services.NewAuthService(store, cfg.AdminPassword, cfg.JWTSecret, cfg.SessionTTL, log),
		ClientAuth: services.NewClientAuthService(store, cfg.ClientSessionTTL, log),
		Plans:      services.NewPlanService(store, log),
		Templates:  templateService,
		Orders:     orderService,
		Redeems:    services.NewRedeemService(store, apiKeyService, redeemCipher, workerPool, log),
		APIKeys:    apiKeyService,
		Users:      services.NewUserService(store, apiKeyService, log),
		Transfer:   services.NewTransferService(store, apiKeyService, log),
		Pool:       workerPool,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := services.NewOrderSweeper(orderService, cfg.OrderSweepInterval, log)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	app := fiber.New(fiber.Config{
		ErrorHandler: api.NewErrorHandler(log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    16 * 1024 * 1024,
		ServerHeader: "Relay-Billing",
		AppName:      "Relay Billing",
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-Token",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	handlers := api.NewHandlers(svc, cfg, log)
	api.SetupRoutes(app, handlers)

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Info("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Errorw("Server shutdown error", "error", err)
		}
	}()

	log.Infow("Starting server", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalw("Failed to start server", "error", err)
	}
}
