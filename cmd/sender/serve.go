package main

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var rpcAddr, ingressAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sender with JSON-RPC and framed TCP front ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := g.config()
			if err != nil {
				return err
			}
			cfg.RPCAddr = rpcAddr
			cfg.IngressAddr = ingressAddr
			cfg.OnError = func(err error) {
				cfg.Log.Warn("background error", "err", err)
			}

			svc, err := startService(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			if addr := svc.RPCAddr(); addr != nil {
				pterm.Info.Printfln("JSON-RPC listening on http://%s", addr)
			}
			if addr := svc.IngressAddr(); addr != nil {
				pterm.Info.Printfln("Ingress listening on %s", addr)
			}
			pterm.Success.Printfln("Sender running on %s (%s, fan-out %d)", cfg.Network, cfg.Protocol, cfg.FanOut)

			<-ctx.Done()
			pterm.Info.Println("Shutting down...")

			st := svc.Status()
			cfg.Log.Info("final stats",
				"broadcasts", st.Broadcast.Broadcasts,
				"succeeded", st.Broadcast.Succeeded,
				"failed", st.Broadcast.Failed,
				"dials", st.Pool.Dials,
			)
			return svc.Close()
		},
	}

	cmd.Flags().StringVar(&rpcAddr, "rpc-addr", "127.0.0.1:8899", "JSON-RPC listen address (empty disables)")
	cmd.Flags().StringVar(&ingressAddr, "ingress-addr", "127.0.0.1:8010", "Framed TCP ingress listen address (empty disables)")
	return cmd
}
