package sender

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fortiblox/X1-Sender/pkg/broadcast"
	"github.com/fortiblox/X1-Sender/pkg/connpool"
	"github.com/fortiblox/X1-Sender/pkg/schedule"
)

// Service errors.
var (
	ErrConfigInvalid   = errors.New("invalid sender configuration")
	ErrUnknownNetwork  = errors.New("unknown network")
	ErrAlreadyStarted  = errors.New("sender already started")
	ErrNotStarted      = errors.New("sender not started")
	ErrClosed          = errors.New("sender closed")
	ErrScheduleTimeout = errors.New("timed out waiting for leader schedule")
)

// Config holds the sender configuration.
type Config struct {
	// Network is the preset name the configuration came from, for display.
	Network string

	// RPCEndpoints are the control-plane JSON-RPC URLs used for the leader
	// schedule, cluster contacts and blockhashes.
	RPCEndpoints []string

	// GeyserEndpoint is an optional Yellowstone gRPC endpoint. When set, its
	// slot stream keeps the current slot exact between schedule refreshes.
	GeyserEndpoint string

	// GeyserToken is the x-token for the Geyser endpoint. Supports
	// ${VAR_NAME} expansion.
	GeyserToken string

	// GeyserUseTLS enables TLS for the Geyser connection.
	GeyserUseTLS bool

	// Protocol selects UDP or QUIC delivery to leader TPU ports.
	Protocol schedule.Protocol

	// Identity signs the QUIC client certificate. A random key is used when
	// nil.
	Identity ed25519.PrivateKey

	// FanOut is the number of distinct upcoming leaders per transaction.
	FanOut int

	// SendDeadline bounds each broadcast.
	SendDeadline time.Duration

	// DataDir enables persistence of the last good schedule and the
	// contact directory. Empty disables both.
	DataDir string

	// RPCAddr enables the JSON-RPC front end on this address.
	RPCAddr string

	// IngressAddr enables the framed TCP ingress on this address.
	IngressAddr string

	// ExplorerURL formats a transaction link; %s is the signature.
	ExplorerURL string

	// Component tuning. Zero values use each package's defaults.
	Schedule schedule.Config
	Pool     connpool.Config

	// Callbacks for monitoring.
	OnResult func(broadcast.SubmissionResult)
	OnStale  func(*schedule.StaleError)
	OnError  func(error)

	Log *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults and no
// endpoints.
func DefaultConfig() Config {
	return Config{
		GeyserUseTLS: true,
		Protocol:     schedule.ProtocolQUIC,
		FanOut:       broadcast.DefaultFanOut,
		SendDeadline: broadcast.DefaultDeadline,
		Schedule:     schedule.DefaultConfig(),
		Pool:         connpool.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("%w: at least one rpc endpoint is required", ErrConfigInvalid)
	}
	for _, ep := range c.RPCEndpoints {
		if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
			return fmt.Errorf("%w: rpc endpoint %q must be an http(s) url", ErrConfigInvalid, ep)
		}
	}
	if c.FanOut < 1 || c.FanOut > broadcast.MaxFanOut {
		return fmt.Errorf("%w: fan-out %d outside 1..%d", ErrConfigInvalid, c.FanOut, broadcast.MaxFanOut)
	}
	if c.SendDeadline <= 0 {
		return fmt.Errorf("%w: send deadline must be positive", ErrConfigInvalid)
	}
	if c.Identity != nil && len(c.Identity) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: identity must be a %d-byte ed25519 key", ErrConfigInvalid, ed25519.PrivateKeySize)
	}
	if c.ExplorerURL != "" && strings.Count(c.ExplorerURL, "%s") != 1 {
		return fmt.Errorf("%w: explorer url needs exactly one %%s", ErrConfigInvalid)
	}
	return nil
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.FanOut == 0 {
		c.FanOut = d.FanOut
	}
	if c.SendDeadline == 0 {
		c.SendDeadline = d.SendDeadline
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Schedule.Protocol = c.Protocol
	return c
}

// Explorer returns the explorer link for sig, or "" when not configured.
func (c *Config) Explorer(sig string) string {
	if c.ExplorerURL == "" {
		return ""
	}
	return fmt.Sprintf(c.ExplorerURL, sig)
}

// Network presets.
const (
	NetworkX1Mainnet     = "x1-mainnet"
	NetworkX1Testnet     = "x1-testnet"
	NetworkSolanaMainnet = "solana-mainnet"
	NetworkSolanaDevnet  = "solana-devnet"
	NetworkSolanaTestnet = "solana-testnet"
	NetworkLocalnet      = "localnet"
)

var presets = map[string]func() Config{
	NetworkX1Mainnet:     X1MainnetConfig,
	NetworkX1Testnet:     X1TestnetConfig,
	NetworkSolanaMainnet: SolanaMainnetConfig,
	NetworkSolanaDevnet:  SolanaDevnetConfig,
	NetworkSolanaTestnet: SolanaTestnetConfig,
	NetworkLocalnet:      LocalnetConfig,
}

// Networks returns the preset names in sorted order.
func Networks() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NetworkConfig returns the preset configuration for name.
func NetworkConfig(name string) (Config, error) {
	preset, ok := presets[strings.ToLower(name)]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownNetwork, name, strings.Join(Networks(), ", "))
	}
	return preset(), nil
}

// X1MainnetConfig returns a configuration for X1 mainnet.
func X1MainnetConfig() Config {
	cfg := DefaultConfig()
	cfg.Network = NetworkX1Mainnet
	cfg.RPCEndpoints = []string{
		"https://rpc.mainnet.x1.xyz",
		"https://entrypoint0.mainnet.x1.xyz",
		"https://entrypoint1.mainnet.x1.xyz",
		"https://entrypoint2.mainnet.x1.xyz",
	}
	cfg.ExplorerURL = "https://explorer.mainnet.x1.xyz/tx/%s"
	return cfg
}

// X1TestnetConfig returns a configuration for X1 testnet.
func X1TestnetConfig() Config {
	cfg := DefaultConfig()
	cfg.Network = NetworkX1Testnet
	cfg.RPCEndpoints = []string{"https://rpc.testnet.x1.xyz"}
	cfg.ExplorerURL = "https://explorer.testnet.x1.xyz/tx/%s"
	return cfg
}

// SolanaMainnetConfig returns a configuration for Solana mainnet-beta.
func SolanaMainnetConfig() Config {
	cfg := DefaultConfig()
	cfg.Network = NetworkSolanaMainnet
	cfg.RPCEndpoints = []string{"https://api.mainnet-beta.solana.com"}
	cfg.ExplorerURL = "https://explorer.solana.com/tx/%s"
	return cfg
}

// SolanaDevnetConfig returns a configuration for Solana devnet.
func SolanaDevnetConfig() Config {
	cfg := DefaultConfig()
	cfg.Network = NetworkSolanaDevnet
	cfg.RPCEndpoints = []string{"https://api.devnet.solana.com"}
	cfg.ExplorerURL = "https://explorer.solana.com/tx/%s?cluster=devnet"
	return cfg
}

// SolanaTestnetConfig returns a configuration for Solana testnet.
func SolanaTestnetConfig() Config {
	cfg := DefaultConfig()
	cfg.Network = NetworkSolanaTestnet
	cfg.RPCEndpoints = []string{"https://api.testnet.solana.com"}
	cfg.ExplorerURL = "https://explorer.solana.com/tx/%s?cluster=testnet"
	return cfg
}

// LocalnetConfig returns a configuration for a local test validator, which
// only serves UDP TPU reliably.
func LocalnetConfig() Config {
	cfg := DefaultConfig()
	cfg.Network = NetworkLocalnet
	cfg.RPCEndpoints = []string{"http://127.0.0.1:8899"}
	cfg.Protocol = schedule.ProtocolUDP
	cfg.FanOut = 1
	cfg.ExplorerURL = "https://explorer.solana.com/tx/%s?cluster=custom&customUrl=http%%3A%%2F%%2F127.0.0.1%%3A8899"
	return cfg
}
