// Arcadia - tiered micropayment processing for digital artwork generation
package main

import (
	"context"
	"os"

	"github.com/arcadia-labs/arcadia/internal/config"
	"github.com/arcadia-labs/arcadia/internal/logging"
	"github.com/arcadia-labs/arcadia/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is loaded
	logger := logging.New("info", "text")

	logger.Info("starting arcadia",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"network", cfg.Network,
		"chain_id", cfg.ChainID,
		"contract", cfg.EscrowContract,
	)

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
