package schedule

import (
	"fmt"
	"log/slog"
	"time"
)

// Default configuration values.
const (
	// DefaultSlotDuration is the target slot time of Solana-compatible
	// networks.
	DefaultSlotDuration = 400 * time.Millisecond

	// DefaultRefreshInterval is how often the schedule is re-fetched.
	DefaultRefreshInterval = 2 * time.Second

	// DefaultStaleAfter is how long the tracker serves an unrefreshed
	// schedule before signalling staleness.
	DefaultStaleAfter = 15 * time.Second

	// DefaultFetchTimeout bounds a single Source.FetchSchedule call.
	DefaultFetchTimeout = 5 * time.Second
)

// Config holds the configuration for the leader schedule tracker.
type Config struct {
	// RefreshInterval is the period of the background refresh. It must be
	// at least SlotDuration.
	RefreshInterval time.Duration

	// SlotDuration is used to extrapolate the current slot between
	// refreshes.
	SlotDuration time.Duration

	// StaleAfter is the time since the last successful refresh after which
	// the schedule is reported stale.
	StaleAfter time.Duration

	// FetchTimeout bounds each refresh.
	FetchTimeout time.Duration

	// Protocol selects which advertised address is returned for leaders.
	Protocol Protocol

	// OnStale is called once per stale episode. Called synchronously from
	// the refresh goroutine; must not block.
	OnStale func(*StaleError)

	// OnRefresh is called after each published snapshot.
	OnRefresh func(*Snapshot)

	// Log receives tracker logs. Defaults to slog.Default().
	Log *slog.Logger
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: DefaultRefreshInterval,
		SlotDuration:    DefaultSlotDuration,
		StaleAfter:      DefaultStaleAfter,
		FetchTimeout:    DefaultFetchTimeout,
		Protocol:        ProtocolQUIC,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.SlotDuration <= 0 {
		return fmt.Errorf("%w: slot duration must be positive", ErrInvalidConfig)
	}
	if c.RefreshInterval < c.SlotDuration {
		return fmt.Errorf("%w: refresh interval %v shorter than slot duration %v",
			ErrInvalidConfig, c.RefreshInterval, c.SlotDuration)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("%w: stale threshold must be positive", ErrInvalidConfig)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("%w: fetch timeout must be positive", ErrInvalidConfig)
	}
	if c.Protocol != ProtocolQUIC && c.Protocol != ProtocolUDP {
		return fmt.Errorf("%w: unknown protocol %v", ErrInvalidConfig, c.Protocol)
	}
	return nil
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.RefreshInterval == 0 {
		c.RefreshInterval = defaults.RefreshInterval
	}
	if c.SlotDuration == 0 {
		c.SlotDuration = defaults.SlotDuration
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = defaults.StaleAfter
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = defaults.FetchTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}
