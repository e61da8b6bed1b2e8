// X1-Sender: leader-aware transaction broadcaster for X1 and Solana networks.
//
// The sender tracks the leader schedule and delivers signed transactions
// straight to the TPU ports of the current and next few block producers,
// either as a one-shot CLI or as a long-running service with JSON-RPC and
// framed TCP front ends.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fortiblox/X1-Sender/pkg/schedule"
	"github.com/fortiblox/X1-Sender/pkg/sender"
	"github.com/fortiblox/X1-Sender/pkg/txbuild"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// globalFlags are shared by every command.
type globalFlags struct {
	network     string
	rpc         []string
	protocol    string
	fanOut      int
	deadline    time.Duration
	logLevel    string
	geyser      string
	geyserToken string
	dataDir     string
	identity    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "sender",
		Short:         "Send transactions directly to upcoming leaders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&g.network, "network", sender.NetworkSolanaDevnet, "Network preset: "+strings.Join(sender.Networks(), ", "))
	f.StringSliceVar(&g.rpc, "rpc", nil, "Control-plane RPC endpoints (overrides the preset)")
	f.StringVar(&g.protocol, "protocol", "", "TPU protocol: quic or udp (default from preset)")
	f.IntVar(&g.fanOut, "fan-out", 0, "Number of distinct upcoming leaders per transaction (default from preset)")
	f.DurationVar(&g.deadline, "deadline", 0, "Broadcast deadline (default 2s)")
	f.StringVar(&g.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.StringVar(&g.geyser, "geyser", "", "Optional Yellowstone gRPC endpoint for live slot updates")
	f.StringVar(&g.geyserToken, "geyser-token", "${GEYSER_TOKEN}", "Geyser x-token")
	f.StringVar(&g.dataDir, "data-dir", "", "Directory for the schedule cache and contact directory (empty disables)")
	f.StringVar(&g.identity, "identity", "", "Keypair file used as the QUIC client identity (default random)")

	root.AddCommand(
		newSendCommand(g),
		newServeCommand(g),
		newLeadersCommand(g),
		newVersionCommand(),
	)
	return root
}

// logger builds the CLI logger at the requested level.
func (g *globalFlags) logger() (*slog.Logger, error) {
	var level pterm.LogLevel
	switch strings.ToLower(g.logLevel) {
	case "debug":
		level = pterm.LogLevelDebug
	case "info":
		level = pterm.LogLevelInfo
	case "warn", "warning":
		level = pterm.LogLevelWarn
	case "error":
		level = pterm.LogLevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", g.logLevel)
	}
	return slog.New(pterm.NewSlogHandler(pterm.DefaultLogger.WithLevel(level))), nil
}

// config resolves the network preset and applies flag overrides.
func (g *globalFlags) config() (sender.Config, error) {
	cfg, err := sender.NetworkConfig(g.network)
	if err != nil {
		return sender.Config{}, err
	}

	if len(g.rpc) > 0 {
		cfg.RPCEndpoints = g.rpc
	}
	if g.protocol != "" {
		p, err := schedule.ParseProtocol(g.protocol)
		if err != nil {
			return sender.Config{}, err
		}
		cfg.Protocol = p
	}
	if g.fanOut > 0 {
		cfg.FanOut = g.fanOut
	}
	if g.deadline > 0 {
		cfg.SendDeadline = g.deadline
	}
	if g.geyser != "" {
		cfg.GeyserEndpoint = g.geyser
		cfg.GeyserToken = g.geyserToken
	}
	cfg.DataDir = g.dataDir

	if g.identity != "" {
		key, err := txbuild.LoadKeypairFile(g.identity)
		if err != nil {
			return sender.Config{}, fmt.Errorf("load identity: %w", err)
		}
		cfg.Identity = []byte(key)
	}

	log, err := g.logger()
	if err != nil {
		return sender.Config{}, err
	}
	cfg.Log = log
	return cfg, nil
}

// startService creates and starts a service and waits for its first
// leader schedule.
func startService(ctx context.Context, cfg sender.Config) (*sender.Service, error) {
	svc, err := sender.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}

	spinner, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("Loading leader schedule...")
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err = svc.WaitReady(waitCtx)
	spinner.Stop()
	if err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("X1-Sender %s (%s)\n", Version, GitCommit)
		},
	}
}
