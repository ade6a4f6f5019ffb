package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/planwallet/client"
	"github.com/brojonat/planwallet/service/plan"
	"github.com/brojonat/planwallet/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/urfave/cli/v2"
)

type signatureStatusOutput struct {
	Signature   string         `json:"signature"`
	Outcome     solana.Outcome `json:"outcome"`
	Commitment  string         `json:"commitment"`
	Slot        uint64         `json:"slot,omitempty"`
	BlockTime   *time.Time     `json:"block_time,omitempty"`
	From        *string        `json:"from,omitempty"`
	To          *string        `json:"to,omitempty"`
	Lamports    uint64         `json:"lamports,omitempty"`
	SOL         string         `json:"sol,omitempty"`
	Memo        *string        `json:"memo,omitempty"`
	Error       *string        `json:"error,omitempty"`
	ExplorerURL string         `json:"explorer_url"`
}

func signatureStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "signature-status",
		Usage:     "Check whether a payment signature is final on chain",
		ArgsUsage: "SIGNATURE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "commitment",
				Usage: "Commitment treated as final (finalized, confirmed)",
				Value: "finalized",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "RPC timeout",
				Value: 15 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("signature is required")
			}
			sig, err := solanago.SignatureFromBase58(c.Args().Get(0))
			if err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}

			commitment := c.String("commitment")
			if commitment != "finalized" && commitment != "confirmed" {
				return fmt.Errorf("commitment must be finalized or confirmed, got %q", commitment)
			}

			network := c.String("network")
			chain := solana.NewClient(solana.NewRPCClient(c.String("rpc-url")), network, nil, newLogger()).
				WithCommitment(rpc.CommitmentType(commitment))

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			outcome, err := chain.Outcome(ctx, sig)
			if err != nil {
				return fmt.Errorf("failed to query signature: %w", err)
			}

			out := signatureStatusOutput{
				Signature:   sig.String(),
				Outcome:     outcome,
				Commitment:  commitment,
				ExplorerURL: client.TransactionEntry{Hash: sig.String()}.ExplorerURL(network),
			}
			if outcome != solana.OutcomeUnknown {
				txn, err := chain.FetchTransaction(ctx, sig)
				if err != nil {
					return fmt.Errorf("failed to fetch transaction: %w", err)
				}
				if txn != nil {
					out.Slot = txn.Slot
					if !txn.BlockTime.IsZero() {
						bt := txn.BlockTime
						out.BlockTime = &bt
					}
					out.From = txn.FromAddress
					out.To = txn.ToAddress
					out.Lamports = txn.Amount
					out.SOL = plan.LamportsToSOL(txn.Amount)
					out.Memo = txn.Memo
					out.Error = txn.Err
				}
			}

			if wantJSON(c) {
				return outputJSON(c, out)
			}

			w := stdout(c)
			fmt.Fprintf(w, "Signature:  %s\n", out.Signature)
			fmt.Fprintf(w, "Outcome:    %s (%s)\n", out.Outcome, out.Commitment)
			if out.From != nil && out.To != nil {
				fmt.Fprintf(w, "Transfer:   %s SOL %s -> %s\n", out.SOL, *out.From, *out.To)
			}
			if out.Memo != nil {
				fmt.Fprintf(w, "Memo:       %s\n", *out.Memo)
			}
			if out.Error != nil {
				fmt.Fprintf(w, "Error:      %s\n", *out.Error)
			}
			fmt.Fprintf(w, "Explorer:   %s\n", out.ExplorerURL)
			return nil
		},
	}
}
