// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/parleyhq/chatbot-platform/internal/config"
	"github.com/parleyhq/chatbot-platform/internal/events"
	"github.com/parleyhq/chatbot-platform/internal/handler"
	"github.com/parleyhq/chatbot-platform/internal/middleware"
	"github.com/parleyhq/chatbot-platform/internal/secrets"
	"github.com/parleyhq/chatbot-platform/internal/service"
	"github.com/parleyhq/chatbot-platform/internal/store"
	"github.com/parleyhq/chatbot-platform/pkg/logger"
	"github.com/parleyhq/chatbot-platform/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatbot-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Open the database
	st, err := store.Open(store.Config{
		DatabaseURL: cfg.DatabaseURL,
		MaxOpen:     cfg.DatabaseMaxOpen,
		MaxIdle:     cfg.DatabaseMaxIdle,
	})
	if err != nil {
		log.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}

	// Credential encryption
	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Error("failed to initialize credential encryption", zap.Error(err))
		os.Exit(1)
	}

	// Connect to NATS
	eventsClient, err := events.Connect(ctx, events.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer eventsClient.Close()

	// Ensure JetStream stream exists
	streamManager := events.NewStreamManager(eventsClient)
	if err := streamManager.EnsureStream(ctx); err != nil {
		log.Error("failed to ensure stream", zap.Error(err))
		os.Exit(1)
	}

	// Initialize services
	authSvc := service.NewAuthService(st, cfg.JWTSecret, cfg.JWTExpiration, cfg.BcryptCost, log)
	apiKeySvc := service.NewAPIKeyService(st, cipher, log)
	conversationSvc := service.NewConversationService(st, log)
	chatSvc := service.NewChatService(st, apiKeySvc, streamManager, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(st, eventsClient)
	authHandler := handler.NewAuthHandler(authSvc, log)
	apiKeyHandler := handler.NewAPIKeyHandler(apiKeySvc, log)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	chatHandler := handler.NewChatHandler(chatSvc, log)
	streamHandler := handler.NewStreamHandler(conversationSvc, streamManager, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Auth endpoints
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)

		// Authenticated account endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))

			r.Get("/me", authHandler.Me)

			r.Route("/api-keys", func(r chi.Router) {
				r.Post("/", apiKeyHandler.Create)
				r.Get("/", apiKeyHandler.List)
				r.Delete("/{provider}", apiKeyHandler.Delete)
			})
		})
	})

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Put("/", conversationHandler.Update)
				r.Delete("/", conversationHandler.Delete)

				// Messages
				r.Get("/messages", conversationHandler.Messages)

				// Resumable event stream
				r.Get("/stream", streamHandler.Stream)
			})
		})

		// Chat
		r.Route("/chat", func(r chi.Router) {
			r.Post("/message", chatHandler.Message)
			r.Post("/stream", chatHandler.Stream)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
