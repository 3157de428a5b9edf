package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/agentctl/hub/internal/daemon"
)

func main() {
	// Optional .env for AGENTCTL_DIR, HUB_METRICS_ADDR, HUB_LOG_FILE,
	// OPENROUTER_API_KEY.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[HUBD] .env not loaded: %v", err)
	}

	if path := os.Getenv("HUB_LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			log.Printf("[HUBD] cannot open log file %s: %v", path, err)
			os.Exit(1)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	d, err := daemon.New()
	if err != nil {
		log.Printf("[HUBD] startup failed: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		log.Printf("[HUBD] %v", err)
		os.Exit(1)
	}
}
