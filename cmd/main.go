package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reviewzone/reward-fulfillment/internal/allocator"
	"github.com/reviewzone/reward-fulfillment/internal/config"
	"github.com/reviewzone/reward-fulfillment/internal/database"
	"github.com/reviewzone/reward-fulfillment/internal/handler"
	"github.com/reviewzone/reward-fulfillment/internal/mailer"
	"github.com/reviewzone/reward-fulfillment/internal/repository"
	"github.com/reviewzone/reward-fulfillment/internal/service"
)

func main() {
	ctx := context.Background()

	// Load configuration from environment variables
	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting reward fulfillment service in %s mode", cfg.App.Environment)

	// Initialize database connection
	db, err := database.NewDB(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database connection: %v", err)
		}
	}()

	// Wire the workflow: allocator, SMTP gateway, orchestrator, handlers
	alloc := allocator.New(db.Conn, repository.NewRewardRepository(), cfg.Fulfillment.MaxReserveAttempts)
	sender := mailer.NewSMTPSender(cfg.Mailer)
	fulfillmentService := service.NewFulfillmentService(
		db.Conn, alloc, sender, time.Duration(cfg.Fulfillment.SendTimeout)*time.Second)
	h := handler.NewHandler(fulfillmentService, cfg.Fulfillment.CountdownSeconds)

	// Create router
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// The trigger is called from a browser-side review flow, so serve CORS
	// ourselves like the edge deployment did
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	// Register fulfillment routes
	h.Routes(r)

	// Add health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		hostname, _ := os.Hostname()
		w.WriteHeader(http.StatusOK)
		response := fmt.Sprintf(`{"status":"ok","service":"reward-fulfillment","hostname":"%s"}`, hostname)
		w.Write([]byte(response))
	})

	// Add database health check endpoint
	r.Get("/health/db", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Conn.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","message":"database unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected"}`))
	})

	// Add Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Create server with configuration optimized for high concurrency
	server := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second, // Keep connections alive longer
		MaxHeaderBytes: 1 << 20,           // 1MB
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(r, &http2.Server{
			MaxConcurrentStreams: 1000, // Allow more concurrent streams
		}),
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting reward fulfillment service on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown. An in-flight fulfillment past its reservation is
	// never rolled back; shutdown only stops accepting new work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited gracefully")
}
