package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/example/apigateway/internal/config"
	"github.com/example/apigateway/internal/gateway"
	"github.com/example/apigateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("API Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting API Gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("apis", len(cfg.APIs)),
		zap.Int("backends", len(cfg.Backends)),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		logging.Error("Failed to build gateway", zap.Error(err))
		os.Exit(1)
	}

	server := gateway.NewServer(gw, cfg, *configPath, logger)
	if err := server.Run(context.Background()); err != nil {
		logging.Error("Gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
}
