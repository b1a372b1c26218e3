// Package server wires the JSON-RPC runtime's components (registry,
// pipeline, transports, broker, limits) into a running process. Config
// loading stays a thin env-driven struct; wiring stays a single Run
// entrypoint callers invoke after loading configuration and building a
// logger.
package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr       string `env:"RPC_ADDR" envDefault:":3002"`
	EnableHTTP bool   `env:"RPC_ENABLE_HTTP" envDefault:"true"`
	EnableWS   bool   `env:"RPC_ENABLE_WS" envDefault:"true"`

	// Resource limits (from container)
	CPULimit    float64 `env:"RPC_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"RPC_MEMORY_LIMIT" envDefault:"0"` // 0 = auto-detect from cgroup, fallback unlimited

	// Capacity
	MaxConnections          int `env:"RPC_MAX_CONNECTIONS" envDefault:"0"` // 0 = derive from detected memory limit
	MaxSubscriptionsPerConn int `env:"RPC_MAX_SUBSCRIPTIONS_PER_CONN" envDefault:"1024"`
	MaxRequestBodyBytes     int `env:"RPC_MAX_REQUEST_BODY_BYTES" envDefault:"1048576"`   // 1MB
	MaxResponseBodyBytes    int `env:"RPC_MAX_RESPONSE_BODY_BYTES" envDefault:"10485760"` // 10MB
	MessageBufferCapacity   int `env:"RPC_MESSAGE_BUFFER_CAPACITY" envDefault:"1024"`
	DispatchWorkers         int `env:"RPC_DISPATCH_WORKERS" envDefault:"4"`
	DispatchQueueSize       int `env:"RPC_DISPATCH_QUEUE_SIZE" envDefault:"256"`

	// Batching: "disabled", "limited", "unlimited"
	BatchMode  string `env:"RPC_BATCH_MODE" envDefault:"limited"`
	BatchLimit int    `env:"RPC_BATCH_LIMIT" envDefault:"32"`

	// Connection lifecycle
	PingInterval    time.Duration `env:"RPC_PING_INTERVAL" envDefault:"27s"`
	InactivityLimit time.Duration `env:"RPC_PING_INACTIVE_LIMIT" envDefault:"30s"`

	// Rate limiting (connection admission, independent of the hard cap)
	MaxGoroutines   int     `env:"RPC_MAX_GOROUTINES" envDefault:"10000"`
	ConnIPBurst     int     `env:"RPC_CONN_IP_BURST" envDefault:"10"`
	ConnIPRate      float64 `env:"RPC_CONN_IP_RATE" envDefault:"1.0"`
	ConnGlobalBurst int     `env:"RPC_CONN_GLOBAL_BURST" envDefault:"300"`
	ConnGlobalRate  float64 `env:"RPC_CONN_GLOBAL_RATE" envDefault:"50.0"`

	// CPU safety threshold (container-aware, see internal/limits.CPUMonitor)
	CPURejectThreshold float64 `env:"RPC_CPU_REJECT_THRESHOLD" envDefault:"75.0"`

	// Host/origin admission, per the access-control collaborator contract
	AllowedHosts   string `env:"RPC_ALLOWED_HOSTS" envDefault:""`   // comma-separated, empty = allow all
	AllowedOrigins string `env:"RPC_ALLOWED_ORIGINS" envDefault:""` // comma-separated, empty = allow all

	// NATS-backed demo subscription source
	NATSURLs          string `env:"RPC_NATS_URLS" envDefault:"nats://127.0.0.1:4222"`
	NATSSubjectPrefix string `env:"RPC_NATS_SUBJECT_PREFIX" envDefault:"events"`

	// Monitoring
	MetricsAddr     string        `env:"RPC_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RPC_ADDR is required")
	}
	if !c.EnableHTTP && !c.EnableWS {
		return fmt.Errorf("at least one of RPC_ENABLE_HTTP, RPC_ENABLE_WS must be true")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("RPC_MAX_CONNECTIONS must be >= 0, got %d", c.MaxConnections)
	}
	if c.MaxSubscriptionsPerConn < 0 {
		return fmt.Errorf("RPC_MAX_SUBSCRIPTIONS_PER_CONN must be >= 0, got %d", c.MaxSubscriptionsPerConn)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("RPC_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.PingInterval > 0 && c.InactivityLimit > 0 && c.PingInterval >= c.InactivityLimit {
		return fmt.Errorf("RPC_PING_INTERVAL (%s) must be less than RPC_PING_INACTIVE_LIMIT (%s)", c.PingInterval, c.InactivityLimit)
	}

	switch c.BatchMode {
	case "disabled", "limited", "unlimited":
	default:
		return fmt.Errorf("RPC_BATCH_MODE must be one of: disabled, limited, unlimited (got: %s)", c.BatchMode)
	}
	if c.BatchMode == "limited" && c.BatchLimit < 1 {
		return fmt.Errorf("RPC_BATCH_LIMIT must be > 0 when RPC_BATCH_MODE=limited, got %d", c.BatchLimit)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format).
// For production, use LogConfig() with structured logging.
func (c *Config) Print() {
	fmt.Println("=== Server Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Address:         %s\n", c.Addr)
	fmt.Printf("HTTP enabled:    %v\n", c.EnableHTTP)
	fmt.Printf("WS enabled:      %v\n", c.EnableWS)
	fmt.Println("\n=== Resource Limits ===")
	fmt.Printf("CPU Limit:       %.1f cores\n", c.CPULimit)
	fmt.Printf("Memory Limit:    %d MB (0 = auto-detect)\n", c.MemoryLimit/(1024*1024))
	fmt.Printf("Max Connections: %d (0 = auto)\n", c.MaxConnections)
	fmt.Printf("Max Subs/Conn:   %d\n", c.MaxSubscriptionsPerConn)
	fmt.Printf("Max Req Bytes:   %d\n", c.MaxRequestBodyBytes)
	fmt.Printf("Max Resp Bytes:  %d\n", c.MaxResponseBodyBytes)
	fmt.Println("\n=== Batching ===")
	fmt.Printf("Mode:            %s\n", c.BatchMode)
	fmt.Printf("Limit:           %d\n", c.BatchLimit)
	fmt.Println("\n=== Safety Thresholds ===")
	fmt.Printf("CPU Reject:      %.1f%%\n", c.CPURejectThreshold)
	fmt.Println("\n=== NATS broker ===")
	fmt.Printf("URLs:            %s\n", c.NATSURLs)
	fmt.Printf("Subject Prefix:  %s\n", c.NATSSubjectPrefix)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig logs configuration using structured logging (Loki-compatible).
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Bool("enable_http", c.EnableHTTP).
		Bool("enable_ws", c.EnableWS).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int("max_connections", c.MaxConnections).
		Int("max_subscriptions_per_conn", c.MaxSubscriptionsPerConn).
		Str("batch_mode", c.BatchMode).
		Int("batch_limit", c.BatchLimit).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("nats_urls", c.NATSURLs).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
