package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/colmate/chat-app/internal/archive"
	"github.com/colmate/chat-app/internal/config"
	"github.com/colmate/chat-app/internal/messaging"
	"github.com/colmate/chat-app/internal/metrics"
	"github.com/colmate/chat-app/internal/store"
)

func main() {
	log.Println("Starting colmate archiver...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// PostgreSQL setup.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	db, err := store.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	// NATS setup.
	natsConfig := cfg.NATS("colmate-archiver-" + cfg.ServerName)
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	consumer := archive.NewConsumer(store.New(db))
	if err := consumer.Start(natsClient); err != nil {
		log.Fatalf("failed to subscribe: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/health", func(c *gin.Context) {
		pingCtx, pingCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer pingCancel()
		if err := db.PingContext(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	httpServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[archiver] http server error: %v", err)
		}
	}()

	log.Printf("colmate archiver running")
	log.Printf("  nats_url:     %s", natsConfig.URL)
	log.Printf("  metrics_addr: %s", cfg.MetricsAddr)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	// Drain NATS before closing the pool so pending writes land.
	natsClient.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[archiver] http shutdown error: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("[archiver] db close error: %v", err)
	}
}
