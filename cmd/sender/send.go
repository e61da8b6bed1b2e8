package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fortiblox/X1-Sender/pkg/broadcast"
	"github.com/fortiblox/X1-Sender/pkg/rpc"
	"github.com/fortiblox/X1-Sender/pkg/txbuild"
	"github.com/fortiblox/X1-Sender/pkg/wire"
)

type sendFlags struct {
	keypair  string
	to       string
	amount   string
	tx       string
	encoding string
}

func newSendCommand(g *globalFlags) *cobra.Command {
	f := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Build a transfer (or take a signed transaction) and broadcast it",
		Long: `Send builds a system transfer signed by the keypair from --keypair or the
PRIVATE_KEY environment variable, against the latest blockhash, and
broadcasts it to the upcoming leaders. With --tx an already signed
transaction is broadcast as is.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, g, f)
		},
	}

	cmd.Flags().StringVar(&f.keypair, "keypair", "", "Keypair file (default: PRIVATE_KEY env, base58 or JSON array)")
	cmd.Flags().StringVar(&f.to, "to", "", "Recipient address")
	cmd.Flags().StringVar(&f.amount, "amount", "0.000001", "Amount to transfer in SOL/XNT")
	cmd.Flags().StringVar(&f.tx, "tx", "", "Signed transaction to broadcast instead of building a transfer")
	cmd.Flags().StringVar(&f.encoding, "encoding", string(rpc.EncodingBase64), "Encoding of --tx: base58 or base64")
	return cmd
}

func runSend(cmd *cobra.Command, g *globalFlags, f *sendFlags) error {
	ctx := cmd.Context()

	cfg, err := g.config()
	if err != nil {
		return err
	}

	var raw []byte
	if f.tx != "" {
		enc, err := rpc.ParseEncoding(f.encoding)
		if err != nil {
			return err
		}
		if raw, err = rpc.DecodeTransaction(f.tx, enc); err != nil {
			return fmt.Errorf("decode --tx: %w", err)
		}
	}

	var (
		from     solana.PrivateKey
		to       solana.PublicKey
		lamports uint64
	)
	if raw == nil {
		if from, err = loadSigner(f.keypair); err != nil {
			return err
		}
		if f.to == "" {
			return errors.New("--to is required")
		}
		if to, err = solana.PublicKeyFromBase58(f.to); err != nil {
			return fmt.Errorf("parse --to: %w", err)
		}
		if lamports, err = txbuild.ParseAmount(f.amount); err != nil {
			return err
		}
	}

	svc, err := startService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if raw == nil {
		blockhash, err := svc.LatestBlockhash(ctx)
		if err != nil {
			return fmt.Errorf("get latest blockhash: %w", err)
		}
		built, err := txbuild.BuildTransfer(txbuild.Transfer{
			From:            from,
			To:              to,
			Lamports:        lamports,
			RecentBlockhash: blockhash,
		})
		if err != nil {
			return err
		}
		raw = built.Raw

		pterm.Info.Printfln("Transfer %s -> %s, %d lamports", from.PublicKey(), to, lamports)
	}

	tx, err := wire.Parse(raw)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("Signature %s at %s", tx.Signature(), time.Now().Format(time.RFC3339Nano))

	res, err := svc.Send(ctx, tx.Bytes())
	printResult(res)
	if err != nil {
		return err
	}

	pterm.Success.Printfln("Transaction accepted by %d leader(s)", countSuccess(res))
	if link := cfg.Explorer(res.Signature.String()); link != "" {
		pterm.Info.Println(link)
	}
	return nil
}

// loadSigner reads the signing keypair from a file or PRIVATE_KEY.
func loadSigner(path string) (solana.PrivateKey, error) {
	if path != "" {
		return txbuild.LoadKeypairFile(path)
	}
	key := os.Getenv("PRIVATE_KEY")
	if key == "" {
		return nil, errors.New("no keypair: pass --keypair or set PRIVATE_KEY")
	}
	return txbuild.ImportKeypair(key)
}

func countSuccess(res broadcast.SubmissionResult) int {
	success, _, _ := res.Counts()
	return success
}

// printResult renders the per-leader outcome of a broadcast.
func printResult(res broadcast.SubmissionResult) {
	if len(res.Destinations) == 0 {
		return
	}

	data := pterm.TableData{{"Slot", "Leader", "Address", "Outcome", "Latency", "Error"}}
	for _, d := range res.Destinations {
		outcome := d.Outcome.String()
		switch d.Outcome {
		case broadcast.OutcomeSuccess:
			outcome = pterm.Green(outcome)
		case broadcast.OutcomeFailure:
			outcome = pterm.Red(outcome)
		default:
			outcome = pterm.Yellow(outcome)
		}
		errText := ""
		if d.Err != nil {
			errText = d.Err.Error()
		}
		data = append(data, []string{
			strconv.FormatUint(d.Slot, 10),
			d.Leader.String(),
			d.Addr,
			outcome,
			d.Latency.Round(time.Microsecond).String(),
			errText,
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
