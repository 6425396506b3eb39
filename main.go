package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/krakenbroker/internal/broker"
	"github.com/adred-codev/krakenbroker/internal/config"
	"github.com/adred-codev/krakenbroker/internal/limits"
	"github.com/adred-codev/krakenbroker/internal/monitoring"
	"github.com/adred-codev/krakenbroker/internal/server"

	_ "go.uber.org/automaxprocs"
)

// newAlerter always alerts to the console, and additionally fans out to
// Slack when a webhook URL is configured.
func newAlerter(cfg *config.Config) monitoring.Alerter {
	console := monitoring.NewConsoleAlerter()
	if cfg.SlackWebhookURL == "" {
		return console
	}
	slack := monitoring.NewSlackAlerter(cfg.SlackWebhookURL, cfg.SlackChannel, cfg.SlackUsername)
	return monitoring.NewMultiAlerter(console, slack)
}

func main() {
	startupLogger := log.New(os.Stdout, "[krakenbroker] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from the container's CPU limit before
	// anything else runs.
	startupLogger.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := loadConfig(nil)
	if err != nil {
		startupLogger.Fatalf("failed to load configuration: %v", err)
	}
	cfg.Print()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  config.LogLevel(cfg.LogLevel),
		Format: config.LogFormat(cfg.LogFormat),
	})
	monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:  config.LogLevel(cfg.LogLevel),
		Format: config.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	// Per-connection panics are isolated by monitoring.RecoverPanic and never
	// reach here; this only catches a panic escaping main's own startup/
	// shutdown sequence, logging it structurally before the process exits.
	defer func() {
		if r := recover(); r != nil {
			monitoring.LogPanic(logger, r, "fatal: unrecovered panic in main", nil)
		}
	}()

	if err := writePidFile(cfg.PidFile); err != nil {
		logger.Fatal().Err(err).Msg("failed to write pid file")
	}
	defer removePidFile(cfg.PidFile)

	audit := monitoring.NewAuditLogger(monitoring.WARNING)
	audit.SetAlerter(newAlerter(cfg))

	router := broker.New(broker.Config{
		NumShards:              cfg.NumRouterShards,
		MinFanoutToWarn:        cfg.MinFanoutToWarn,
		MinPublishTopicsToWarn: cfg.MinPublishTopicsToWarn,
		Logger:                 logger,
	})

	srv := server.New(server.Config{
		Addr:          cfg.Addr(),
		MaxTCPClients: cfg.MaxTCPClients,
		IdleTimeout:   cfg.IdleTimeout,
		Router:        router,
		Logger:        logger,
		Audit:         audit,
	})
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start broker")
	}

	ctx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()
	sampler := limits.NewResourceSampler(logger)
	sampler.Start(ctx, cfg.MetricsInterval, func(s limits.Sample) {
		monitoring.CPUUsagePercent.Set(s.CPUPercent)
		monitoring.MemoryUsageBytes.Set(float64(s.MemoryBytes))
		monitoring.GoroutinesActive.Set(float64(s.Goroutines))
	})

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: monitoring.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancelMetrics()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	metricsServer.Shutdown(shutdownCtx)

	srv.Shutdown(10 * time.Second)
	logger.Info().Msg("shutdown complete")
}
