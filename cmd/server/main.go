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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/schoolpay/backend/docs"
	"github.com/schoolpay/backend/internal/config"
	"github.com/schoolpay/backend/internal/database"
	"github.com/schoolpay/backend/internal/handlers"
	mW "github.com/schoolpay/backend/internal/middleware"
	"github.com/schoolpay/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title School Fees Payment Backend API
// @version 1.0
// @description Payment reconciliation and allocation engine for school fee collection
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

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
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	viper.BindEnv("sms.gateway_url", "SMS_GATEWAY_URL")
	viper.BindEnv("sms.api_key", "SMS_API_KEY")
	viper.BindEnv("sms.sender_id", "SMS_SENDER_ID")
	viper.BindEnv("smtp.host", "SMTP_HOST")
	viper.BindEnv("smtp.port", "SMTP_PORT")
	viper.BindEnv("smtp.username", "SMTP_USERNAME")
	viper.BindEnv("smtp.password", "SMTP_PASSWORD")
	viper.BindEnv("smtp.from", "SMTP_FROM")
	viper.BindEnv("notifications.operator_email", "OPERATOR_EMAIL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "School Fees Payment Backend API"
	docs.SwaggerInfo.Description = "Payment reconciliation and allocation engine for school fee collection"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	mpesaCfg := config.LoadMpesaConfig()

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	if err := database.RunMigrations(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize services
	ledgerService := services.NewLedgerService(db)
	creditService := services.NewCreditService(db)
	studentService := services.NewStudentService(db, ledgerService, mpesaCfg.LockTimeout)
	allocationService := services.NewAllocationService(db, creditService, ledgerService)
	notificationService := services.NewNotificationService(redisClient)
	paymentService := services.NewPaymentService(db, studentService, allocationService, notificationService)
	feeService := services.NewFeeService(db, studentService, allocationService, ledgerService)
	unmatchedService := services.NewUnmatchedService(db, studentService, allocationService, notificationService)
	mpesaHandler := handlers.NewMpesaHandler(mpesaCfg, paymentService)

	// Notification worker
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go notificationService.StartWorker(workerCtx)

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
		// Gateway-facing endpoints (no auth; the gateway does not authenticate)
		r.Post("/mpesa/c2b/validation", mpesaHandler.C2BValidation)
		r.Post("/mpesa/c2b/confirmation", mpesaHandler.C2BConfirmation)
		r.Post("/mpesa/callback", mpesaHandler.STKCallback)

		// Operator endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/students/{studentId}/balance", studentService.GetStudentBalance)
			r.Get("/students/{studentId}/ledger", studentService.GetStudentLedger)
			r.Get("/students/{studentId}/reconcile", studentService.ReconcileStudent)
			r.Get("/students/{studentId}/payments", paymentService.GetStudentPaymentsHandler)

			r.Post("/fees/assign", feeService.AssignFeeHandler)

			r.Post("/payments/notifications", paymentService.IngestHandler)
			r.Post("/payments/pending", paymentService.RegisterPendingPaymentHandler)

			r.Get("/admin/unmatched-payments", unmatchedService.ListHandler)
			r.Get("/admin/unmatched-payments/{id}", unmatchedService.GetHandler)
			r.Post("/admin/unmatched-payments/{id}/resolve", unmatchedService.ResolveHandler)
			r.Post("/admin/unmatched-payments/{id}/reject", unmatchedService.RejectHandler)
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
	stopWorker()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
