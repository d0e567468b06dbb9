package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/outreach-engine/internal/api"
	"github.com/ignite/outreach-engine/internal/app"
	"github.com/ignite/outreach-engine/internal/config"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to config file")
	embedded := flag.Bool("embedded-worker", false, "Run scheduler, aggregator and triggers in this process (always on with memory storage)")
	flag.Parse()

	log.Println("Starting Outreach API server...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Storage.UsesPostgres() {
		log.Printf("Database host: %s", extractHost(cfg.Storage.DatabaseURL))
	}
	if err := checkPortAvailable(cfg.Server.GetHost(), cfg.Server.Port); err != nil {
		log.Fatalf("Cannot start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}

	// The memory store is private to this process, so nothing else could
	// dispatch or aggregate it.
	if *embedded || !cfg.Storage.UsesPostgres() {
		engine.VerifyChannels(ctx)
		engine.StartScheduler()
		engine.StartAggregator(ctx)
		if err := engine.StartTriggers(ctx); err != nil {
			log.Fatalf("Failed to start triggers: %v", err)
		}
		if err := engine.StartTrackingConsumer(ctx); err != nil {
			log.Printf("Warning: tracking consumer not started: %v", err)
		}
		log.Println("Embedded worker loops started")
	}

	server := api.NewServer(cfg.Server, engine.APIDeps())

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	cancel()
	if err := engine.Close(); err != nil {
		log.Printf("Engine shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
