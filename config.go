package main

import (
	"fmt"

	"github.com/adred-codev/krakenbroker/internal/config"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// loadConfig reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
//
// The logger parameter is optional for structured logging during startup; if
// nil, informational messages go to stdout instead.
func loadConfig(logger *zerolog.Logger) (*config.Config, error) {
	// Load .env file (optional - OK if it doesn't exist). In production the
	// broker is configured purely through environment variables; .env is a
	// local-development convenience.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found (using environment variables only)")
		} else {
			fmt.Println("info: no .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
