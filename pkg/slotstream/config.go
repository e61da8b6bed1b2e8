package slotstream

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultReconnectMinDelay is the minimum delay before reconnecting.
	DefaultReconnectMinDelay = 500 * time.Millisecond

	// DefaultReconnectMaxDelay is the maximum delay before reconnecting.
	DefaultReconnectMaxDelay = 30 * time.Second

	// DefaultMaxMessageSize bounds received messages. Slot updates are tiny.
	DefaultMaxMessageSize = 4 * 1024 * 1024

	// DefaultPingInterval is the interval between ping messages.
	DefaultPingInterval = 10 * time.Second

	// DefaultStaleTimeout is how long without updates before the stream is
	// considered dead. Slots arrive every 400ms on a healthy stream.
	DefaultStaleTimeout = 15 * time.Second
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("geyser endpoint is required")
	ErrInvalidConfig = errors.New("invalid slot stream configuration")
)

// Config holds the configuration for the slot stream.
type Config struct {
	// Endpoint is the gRPC endpoint (e.g. "grpc.example.com:443").
	Endpoint string

	// Token is sent as the x-token header. Supports ${VAR_NAME} expansion.
	Token string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Commitment of the slot subscription. Processed gives the earliest
	// view of the current slot.
	Commitment Commitment

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// Reconnection configuration.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	MaxReconnects     int // 0 = unlimited

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// PingInterval is the interval between ping messages.
	PingInterval time.Duration

	// StaleTimeout is how long without updates before reconnecting.
	StaleTimeout time.Duration

	// Headers are additional metadata sent with the subscription.
	Headers map[string]string

	// OnSlot is called for each slot update. Called synchronously from the
	// receive loop; should not block.
	OnSlot func(SlotUpdate)

	// OnConnect is called when a subscription is established.
	OnConnect func()

	// OnDisconnect is called when a subscription is lost.
	OnDisconnect func(error)

	// Log defaults to slog.Default().
	Log *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		UseTLS:            true,
		Commitment:        CommitmentProcessed,
		KeepaliveTime:     DefaultKeepaliveTime,
		KeepaliveTimeout:  DefaultKeepaliveTimeout,
		ReconnectMinDelay: DefaultReconnectMinDelay,
		ReconnectMaxDelay: DefaultReconnectMaxDelay,
		MaxMessageSize:    DefaultMaxMessageSize,
		PingInterval:      DefaultPingInterval,
		StaleTimeout:      DefaultStaleTimeout,
		Headers:           make(map[string]string),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMinDelay <= 0 {
		return fmt.Errorf("%w: reconnect min delay must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("%w: reconnect max delay must be >= min delay", ErrInvalidConfig)
	}
	if c.PingInterval <= 0 || c.StaleTimeout <= 0 {
		return fmt.Errorf("%w: ping interval and stale timeout must be positive", ErrInvalidConfig)
	}
	if c.Commitment < CommitmentProcessed || c.Commitment > CommitmentFinalized {
		return fmt.Errorf("%w: invalid commitment level", ErrInvalidConfig)
	}
	return nil
}

// WithDefaults returns a new config with default values applied for any
// zero values in the original config.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = defaults.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if c.ReconnectMinDelay == 0 {
		c.ReconnectMinDelay = defaults.ReconnectMinDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = defaults.StaleTimeout
	}
	if c.Headers == nil {
		c.Headers = defaults.Headers
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// ExpandedToken returns the token with ${VAR_NAME} references expanded.
func (c *Config) ExpandedToken() string {
	return expandEnvVars(c.Token)
}

func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		result = result[:start] + os.Getenv(result[start+2:end]) + result[end+1:]
	}
	return result
}
