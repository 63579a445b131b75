package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lanmesh/hub/internal/config"
	"github.com/lanmesh/hub/internal/hub"
)

func main() {
	configPath := flag.String("config", "hub.yaml", "path to the hub YAML config")
	flag.Parse()

	// Local .env overrides are optional; MESH_* variables win over YAML.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️  .env load: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	node, err := hub.New(cfg, prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("❌ init: %v", err)
	}

	log.Printf("🔥 Starting LAN mesh hub %s...", cfg.NodeID)
	if err := node.Start(); err != nil {
		log.Fatalf("❌ start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, shutting down gracefully...")
	if err := node.Stop(); err != nil {
		log.Printf("⚠️  shutdown: %v", err)
	}
	log.Println("Hub stopped")
}
