// Package config holds the broker's immutable process-wide configuration,
// captured once at startup and passed by reference into every component.
package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents log verbosity level.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // Structured JSON (Loki-compatible)
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Config holds all broker configuration, loaded once from the environment.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Networking (spec.md §6.2)
	ListenIP string `env:"BROKER_LISTEN_IP" envDefault:"any"`
	TCPPort  int    `env:"BROKER_TCP_PORT" envDefault:"12355"`

	// Capacity
	MaxTCPClients int `env:"BROKER_MAX_TCP_CLIENTS" envDefault:"1000"`

	// Routing substrate
	NumRouterShards        int `env:"BROKER_NUM_ROUTER_SHARDS" envDefault:"4"`
	MinFanoutToWarn        int `env:"BROKER_MIN_FANOUT_TO_WARN" envDefault:"1000"`
	MinPublishTopicsToWarn int `env:"BROKER_MIN_PUBLISH_TOPICS_TO_WARN" envDefault:"50"`

	// Lifecycle
	PidFile     string        `env:"BROKER_PID_FILE" envDefault:""`
	IdleTimeout time.Duration `env:"BROKER_IDLE_TIMEOUT" envDefault:"5m"`

	// Monitoring
	MetricsAddr     string        `env:"BROKER_METRICS_ADDR" envDefault:":9355"`
	MetricsInterval time.Duration `env:"BROKER_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"BROKER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"BROKER_LOG_FORMAT" envDefault:"json"`

	// Alerting: audit events at/above the AuditLogger's threshold always
	// print to the console; a Slack webhook is an additional, optional sink
	// (unset by default, same as the teacher's alerting defaults).
	SlackWebhookURL string `env:"BROKER_SLACK_WEBHOOK_URL" envDefault:""`
	SlackChannel    string `env:"BROKER_SLACK_CHANNEL" envDefault:"#alerts"`
	SlackUsername   string `env:"BROKER_SLACK_USERNAME" envDefault:"krakenbroker"`

	// Environment
	Environment string `env:"BROKER_ENVIRONMENT" envDefault:"development"`
}

// Addr returns the TCP address the broker should bind to.
func (c *Config) Addr() string {
	host := c.ListenIP
	if host == "" || host == "any" {
		host = ""
	}
	return fmt.Sprintf("%s:%d", host, c.TCPPort)
}

// Validate checks configuration for errors before the server starts.
func (c *Config) Validate() error {
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("BROKER_TCP_PORT must be 1-65535, got %d", c.TCPPort)
	}
	if c.MaxTCPClients < 1 {
		return fmt.Errorf("BROKER_MAX_TCP_CLIENTS must be > 0, got %d", c.MaxTCPClients)
	}
	if c.NumRouterShards < 1 {
		return fmt.Errorf("BROKER_NUM_ROUTER_SHARDS must be > 0, got %d", c.NumRouterShards)
	}
	if c.MinFanoutToWarn < 0 {
		return fmt.Errorf("BROKER_MIN_FANOUT_TO_WARN must be >= 0, got %d", c.MinFanoutToWarn)
	}
	if c.MinPublishTopicsToWarn < 0 {
		return fmt.Errorf("BROKER_MIN_PUBLISH_TOPICS_TO_WARN must be >= 0, got %d", c.MinPublishTopicsToWarn)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("BROKER_IDLE_TIMEOUT must be > 0, got %s", c.IdleTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("BROKER_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("BROKER_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format).
func (c *Config) Print() {
	fmt.Println("=== Broker Configuration ===")
	fmt.Printf("Environment:      %s\n", c.Environment)
	fmt.Printf("Address:          %s\n", c.Addr())
	fmt.Printf("Max Clients:      %d\n", c.MaxTCPClients)
	fmt.Printf("Router Shards:    %d\n", c.NumRouterShards)
	fmt.Printf("Fanout Warn:      >%d subscribers\n", c.MinFanoutToWarn)
	fmt.Printf("Publish Warn:     >%d topics\n", c.MinPublishTopicsToWarn)
	fmt.Printf("Idle Timeout:     %s\n", c.IdleTimeout)
	fmt.Printf("Pid File:         %q\n", c.PidFile)
	fmt.Printf("Metrics Addr:     %s\n", c.MetricsAddr)
	fmt.Printf("Log:              %s/%s\n", c.LogLevel, c.LogFormat)
	fmt.Printf("Slack Alerting:   %t\n", c.SlackWebhookURL != "")
	fmt.Println("=============================")
}

// LogConfig emits the loaded configuration as one structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr()).
		Int("max_tcp_clients", c.MaxTCPClients).
		Int("num_router_shards", c.NumRouterShards).
		Int("min_fanout_to_warn", c.MinFanoutToWarn).
		Int("min_publish_topics_to_warn", c.MinPublishTopicsToWarn).
		Dur("idle_timeout", c.IdleTimeout).
		Str("pid_file", c.PidFile).
		Str("metrics_addr", c.MetricsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Bool("slack_alerting_enabled", c.SlackWebhookURL != "").
		Msg("broker configuration loaded")
}
