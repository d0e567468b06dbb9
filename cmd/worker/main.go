package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/app"
	"github.com/ignite/outreach-engine/internal/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "Address for /metrics and health checks")
	flag.Parse()

	log.Println("Starting Outreach Worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.Storage.UsesPostgres() {
		log.Println("Warning: memory storage is private to this process; run cmd/server alone for local development")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	engine.VerifyChannels(ctx)

	engine.StartScheduler()
	log.Printf("Scheduler started (%d workers, batch %d, lease %s)",
		cfg.Scheduler.Workers, cfg.Scheduler.BatchSize, cfg.Scheduler.Lease())

	engine.StartAggregator(ctx)

	if err := engine.StartTriggers(ctx); err != nil {
		log.Fatalf("Failed to start triggers: %v", err)
	}
	if err := engine.StartTrackingConsumer(ctx); err != nil {
		log.Printf("Warning: tracking consumer not started: %v", err)
	}
	engine.StartCleanup(ctx)

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", engine.MetricsHandler())
	r.Get("/health", engine.Health.HandleHealth)
	r.Get("/health/live", engine.Health.HandleLiveness)
	r.Get("/health/ready", engine.Health.HandleReadiness)
	opsServer := &http.Server{
		Addr:              *metricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("Metrics listening on %s", *metricsAddr)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	opsServer.Shutdown(shutdownCtx)

	// Close waits for in-flight dispatches up to the scheduler's shutdown wait.
	cancel()
	if err := engine.Close(); err != nil {
		log.Printf("Worker shutdown error: %v", err)
	}
	log.Println("Worker stopped")
}
