// Package config provides configuration management for dlockd.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultGRPCAddr = "127.0.0.1:7400"
	DefaultRaftAddr = "127.0.0.1:7401"
	DefaultHTTPAddr = "127.0.0.1:7402"
	DefaultDataDir  = "./data"

	DefaultSessionTTL      = 5 * time.Second
	DefaultRequestTimeout  = 2 * time.Second
	DefaultRecoveryTimeout = 5 * time.Second
	DefaultSweepInterval   = 100 * time.Millisecond
	DefaultRetryBackoff    = 20 * time.Millisecond
	DefaultExpiryInterval  = 200 * time.Millisecond

	envPrefix = "DLOCKD_"
)

// Config holds the daemon configuration.
// Values come from defaults, then DLOCKD_* environment variables, then flags.
type Config struct {
	NodeID    string
	DataDir   string
	GRPCAddr  string
	RaftAddr  string
	HTTPAddr  string
	Bootstrap bool

	// Peers maps member ids to gRPC addresses, used to reach raft peers
	// before they show up in the membership view.
	Peers string

	LogLevel     string
	LogPretty    bool
	RaftLogLevel string
	TraceStdout  bool

	SessionTTL      time.Duration
	RequestTimeout  time.Duration
	RecoveryTimeout time.Duration
	SweepInterval   time.Duration
	RetryBackoff    time.Duration
	ExpiryInterval  time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  DefaultDataDir,
		GRPCAddr: DefaultGRPCAddr,
		RaftAddr: DefaultRaftAddr,
		HTTPAddr: DefaultHTTPAddr,

		LogLevel:     "info",
		RaftLogLevel: "warn",

		SessionTTL:      DefaultSessionTTL,
		RequestTimeout:  DefaultRequestTimeout,
		RecoveryTimeout: DefaultRecoveryTimeout,
		SweepInterval:   DefaultSweepInterval,
		RetryBackoff:    DefaultRetryBackoff,
		ExpiryInterval:  DefaultExpiryInterval,
	}
}

// Load loads configuration from environment variables over the defaults.
func Load() *Config {
	d := Default()
	return &Config{
		NodeID:    getEnvOrDefault("NODE_ID", d.NodeID),
		DataDir:   getEnvOrDefault("DATA_DIR", d.DataDir),
		GRPCAddr:  getEnvOrDefault("GRPC_ADDR", d.GRPCAddr),
		RaftAddr:  getEnvOrDefault("RAFT_ADDR", d.RaftAddr),
		HTTPAddr:  getEnvOrDefault("HTTP_ADDR", d.HTTPAddr),
		Bootstrap: getEnvBoolOrDefault("BOOTSTRAP", d.Bootstrap),
		Peers:     getEnvOrDefault("PEERS", d.Peers),

		LogLevel:     getEnvOrDefault("LOG_LEVEL", d.LogLevel),
		LogPretty:    getEnvBoolOrDefault("LOG_PRETTY", d.LogPretty),
		RaftLogLevel: getEnvOrDefault("RAFT_LOG_LEVEL", d.RaftLogLevel),
		TraceStdout:  getEnvBoolOrDefault("TRACE_STDOUT", d.TraceStdout),

		SessionTTL:      getEnvDurationOrDefault("SESSION_TTL", d.SessionTTL),
		RequestTimeout:  getEnvDurationOrDefault("REQUEST_TIMEOUT", d.RequestTimeout),
		RecoveryTimeout: getEnvDurationOrDefault("RECOVERY_TIMEOUT", d.RecoveryTimeout),
		SweepInterval:   getEnvDurationOrDefault("SWEEP_INTERVAL", d.SweepInterval),
		RetryBackoff:    getEnvDurationOrDefault("RETRY_BACKOFF", d.RetryBackoff),
		ExpiryInterval:  getEnvDurationOrDefault("EXPIRY_INTERVAL", d.ExpiryInterval),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node id is required")
	}
	if c.GRPCAddr == "" || c.RaftAddr == "" {
		return errors.New("grpc and raft addresses are required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL)
	}
	if c.ExpiryInterval <= 0 || c.ExpiryInterval >= c.SessionTTL {
		return fmt.Errorf("expiry interval must be positive and below the session ttl, got %s", c.ExpiryInterval)
	}
	for name, d := range map[string]time.Duration{
		"request timeout":  c.RequestTimeout,
		"recovery timeout": c.RecoveryTimeout,
		"sweep interval":   c.SweepInterval,
		"retry backoff":    c.RetryBackoff,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if _, err := ParsePeers(c.Peers); err != nil {
		return err
	}
	return nil
}

// ParsePeers parses "id=host:port,id=host:port".
func ParsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return peers, nil
	}
	for _, part := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, want id=host:port", part)
		}
		peers[id] = addr
	}
	return peers, nil
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
