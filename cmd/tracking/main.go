package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/outreach-engine/internal/app"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Tracking.SigningKey == "" {
		log.Fatal("TRACKING_SIGNING_KEY is required")
	}
	if port := os.Getenv("PORT"); port != "" {
		fmt.Sscanf(port, "%d", &cfg.Tracking.Port)
	}

	ctx := context.Background()

	// Reports go to SQS for the worker when a queue is configured, and are
	// recorded directly otherwise.
	var sink tracking.Sink
	var engine *app.App
	if cfg.Tracking.SQSQueueURL != "" {
		client, err := app.NewSQSClient(ctx, cfg.Tracking.SQSRegion)
		if err != nil {
			log.Fatalf("aws config: %v", err)
		}
		pub := tracking.NewPublisher(client, cfg.Tracking.SQSQueueURL)
		defer pub.Wait()
		sink = pub
		log.Printf("Publishing engagement to %s", cfg.Tracking.SQSQueueURL)
	} else {
		engine, err = app.New(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to initialize engine: %v", err)
		}
		defer engine.Close()
		sink = tracking.NewRecorderSink(engine.Engagement)
		log.Println("No SQS queue configured, recording engagement directly")
	}

	signer := tracking.NewSigner(cfg.Tracking.SigningKey, cfg.Tracking.BaseURL)
	routes := tracking.NewHandler(signer, sink).Routes()
	routes.Method(http.MethodPost, "/webhooks/twilio",
		tracking.NewTwilioWebhook(sink, cfg.Channels.SMS.Secret, cfg.Channels.SMS.StatusCallback))

	addr := fmt.Sprintf(":%d", cfg.Tracking.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      routes,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("tracking service listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down tracking service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
