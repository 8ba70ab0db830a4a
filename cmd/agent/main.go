package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/itskum47/swarmctl/internal/agentrt"
)

func main() {
	cfg, err := agentrt.LoadConfig()
	if err != nil {
		log.Fatalf("agent: config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("agent: received shutdown signal")
		cancel()
	}()

	runtime := agentrt.New(cfg)
	log.Printf("agent: starting for project %s against %s", cfg.ProjectID, cfg.CoordinatorURL)

	if err := runtime.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("agent: runtime exited: %v", err)
	}
	log.Println("agent: shut down")
}
