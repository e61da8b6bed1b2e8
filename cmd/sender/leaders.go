package main

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newLeadersCommand(g *globalFlags) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "leaders",
		Short: "Show the current and upcoming leaders and their TPU addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}

			svc, err := startService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			leaders, err := svc.Leaders(count)
			if err != nil {
				return err
			}
			slot, _ := svc.Tracker().CurrentSlot()

			data := pterm.TableData{{"Slot", "Leader", cfg.Protocol.String() + " address"}}
			for _, l := range leaders {
				data = append(data, []string{strconv.FormatUint(l.Slot, 10), l.Leader.String(), l.Addr})
			}
			pterm.Info.Printfln("Current slot %d on %s", slot, cfg.Network)
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 8, "Number of distinct leaders")
	return cmd
}
