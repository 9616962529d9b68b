package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/duplexlab/wspatterns/api/handlers"
	"github.com/duplexlab/wspatterns/internal/config"
	"github.com/duplexlab/wspatterns/internal/db"
	"github.com/duplexlab/wspatterns/internal/ledger"
	"github.com/duplexlab/wspatterns/internal/pattern"
	"github.com/duplexlab/wspatterns/internal/session"
	"github.com/duplexlab/wspatterns/internal/upstream"
)

func main() {
	// Get configuration from environment
	cfg := config.FromEnv()

	// Initialize the connection ledger, unless disabled
	var led *ledger.Ledger
	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			log.Fatalf("Failed to create database directory: %v", err)
		}
		database, err := db.InitDB(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer db.CloseDB()
		led = ledger.New(database)
	} else {
		log.Println("DB_PATH is empty; connection ledger disabled")
	}

	// Initialize the live-session registry
	registry := session.NewRegistry()

	// Initialize the pattern handlers and their upstream fetcher
	up := upstream.NewClient(cfg.UpstreamTimeout, cfg.UpstreamRetries)
	patterns := pattern.NewHandlers(cfg, up)

	// Initialize handlers
	sessionHandler := handlers.NewSessionHandler(registry, led)
	wsHandler := handlers.NewWebSocketHandler(patterns, registry, led,
		pattern.AutoConnect{PathPrefix: "/crypto/price/managed/"},
	)

	// Initialize Gin router
	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	sessionHandler.RegisterHealthRoute(r)

	// API routes
	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
	}

	// WebSocket pattern routes
	wsHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	// Graceful shutdown: close every live session, then drain the server
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down server...")
		registry.CloseAllGoingAway()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Failed to shut down cleanly: %v", err)
		}
	}()

	// Start server
	log.Printf("Starting server on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Println("Server stopped")
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
