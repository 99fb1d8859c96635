package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clearspend/backend/docs"
	"github.com/clearspend/backend/internal/database"
	"github.com/clearspend/backend/internal/handlers"
	mW "github.com/clearspend/backend/internal/middleware"
	"github.com/clearspend/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title ClearSpend Backend API
// @version 1.0
// @description Event-driven balance reconciliation and spend power service
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	viper.BindEnv("bank.base_url", "BANK_BASE_URL")
	viper.BindEnv("brokerage.mode", "BROKERAGE_MODE")
	viper.BindEnv("spend.balance_mode", "SPEND_BALANCE_MODE")
	viper.BindEnv("spend.fresh_max_seconds", "SPEND_FRESH_MAX_SECONDS")
	viper.BindEnv("spend.stale_max_seconds", "SPEND_STALE_MAX_SECONDS")
	viper.BindEnv("spend.unknown_max_seconds", "SPEND_UNKNOWN_MAX_SECONDS")
	viper.BindEnv("spend.degradation_buffer_cents", "SPEND_DEGRADATION_BUFFER_CENTS")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "ClearSpend Backend API"
	docs.SwaggerInfo.Description = "Event-driven balance reconciliation and spend power service"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledger := services.NewLedgerService(db)
	events := services.NewEventStore(db)
	normalizer := services.NewNormalizer()

	broker := services.NewBrokerageAdapter()
	spend := services.NewSpendPowerService(db, ledger, broker)
	liquidation := services.NewLiquidationService(db, redisClient, ledger, broker)
	card := services.NewCardService(db, ledger, spend, liquidation)
	kernel := services.NewReconciliationKernel(db, ledger, events, card)

	bankService := services.NewBankService()
	reconcile := services.NewReconcileService(db, ledger, bankService, bankService)

	webhookHandler := handlers.NewWebhookHandler(normalizer, events, kernel)
	balanceHandler := handlers.NewBalanceHandler(db, spend, card, reconcile, liquidation)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Partner webhooks (HMAC-verified, no bearer auth)
		r.Post("/webhooks/{source}", webhookHandler.HandleWebhook)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/balance", balanceHandler.GetBalance)
			r.Get("/balance/spendable", balanceHandler.GetSpendable)
			r.Get("/balance/spend-power", balanceHandler.GetSpendPower)
			r.Get("/receipts", balanceHandler.ListReceipts)
			r.Post("/authorizations/check", balanceHandler.AuthorizeSpend)

			// Ops endpoints
			r.Post("/reconcile", balanceHandler.TriggerReconcileAll)
			r.Post("/reconcile/{userId}", balanceHandler.TriggerReconcile)
			r.Post("/settlement/export", balanceHandler.TriggerSettlementExport)
			r.Post("/liquidation/process", balanceHandler.TriggerLiquidation)
			r.Post("/events/replay", webhookHandler.ReplayUnprocessed)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
