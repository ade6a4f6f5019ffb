package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/brojonat/planwallet/client"
	"github.com/brojonat/planwallet/service/plan"
	"github.com/urfave/cli/v2"
)

func plansCommand() *cli.Command {
	return &cli.Command{
		Name:  "plans",
		Usage: "List subscription plans and prices",
		Action: func(c *cli.Context) error {
			var sels []plan.Selection
			for _, t := range plan.All() {
				sel, err := plan.Select(t)
				if err != nil {
					return err
				}
				sels = append(sels, sel)
			}

			if wantJSON(c) {
				return outputJSON(c, sels)
			}

			w := stdout(c)
			fmt.Fprintf(w, "%-14s %-10s %s\n", "PLAN", "SOL", "LAMPORTS")
			for _, sel := range sels {
				fmt.Fprintf(w, "%-14s %-10s %d\n", sel.Type, sel.PriceSOL(), sel.PriceLamports)
			}
			return nil
		},
	}
}

func ledgerTimeoutFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:  "timeout",
		Usage: "Ledger request timeout",
		Value: 30 * time.Second,
	}
}

type historyOutput struct {
	Address      string                     `json:"address"`
	Plan         *client.SubscriptionRecord `json:"plan"`
	PlanActive   bool                       `json:"plan_active"`
	Transactions []historyEntry             `json:"transactions"`
}

type historyEntry struct {
	Hash        string    `json:"transaction_hash"`
	BlockTime   time.Time `json:"block_time"`
	ExplorerURL string    `json:"explorer_url"`
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show the ledger's transactions and plan for an address",
		ArgsUsage: "ADDRESS",
		Flags:     []cli.Flag{ledgerTimeoutFlag()},
		Action: func(c *cli.Context) error {
			address, err := addressArg(c)
			if err != nil {
				return err
			}
			ledger, err := getLedger(c)
			if err != nil {
				return err
			}

			history, err := ledger.FetchHistory(context.Background(), address)
			if err != nil {
				return fmt.Errorf("failed to fetch history: %w", err)
			}

			out := historyOutput{
				Address:      address,
				Plan:         history.Plan,
				PlanActive:   history.Plan.Active(time.Now()),
				Transactions: toHistoryEntries(history.Transactions, c.String("network")),
			}
			if wantJSON(c) {
				return outputJSON(c, out)
			}
			printHistory(c, out)
			return nil
		},
	}
}

func resyncCommand() *cli.Command {
	return &cli.Command{
		Name:      "resync",
		Usage:     "Ask the ledger to re-derive its cache for an address from the chain",
		ArgsUsage: "ADDRESS",
		Flags:     []cli.Flag{ledgerTimeoutFlag()},
		Action: func(c *cli.Context) error {
			address, err := addressArg(c)
			if err != nil {
				return err
			}
			ledger, err := getLedger(c)
			if err != nil {
				return err
			}

			entries, err := ledger.RequestResync(context.Background(), address)
			if err != nil {
				return fmt.Errorf("failed to resync: %w", err)
			}

			out := toHistoryEntries(entries, c.String("network"))
			if wantJSON(c) {
				return outputJSON(c, out)
			}
			w := stdout(c)
			fmt.Fprintf(w, "Resynced %s: %d transactions\n", address, len(out))
			for _, e := range out {
				fmt.Fprintf(w, "  %s  %s\n", formatBlockTime(e.BlockTime), e.Hash)
			}
			return nil
		},
	}
}

func getLedger(c *cli.Context) (*client.LedgerClient, error) {
	ledgerURL := c.String("ledger-url")
	if ledgerURL == "" {
		return nil, fmt.Errorf("ledger-url is required (set LEDGER_URL env var or use --ledger-url)")
	}
	return client.NewLedgerClient(ledgerURL, &http.Client{Timeout: c.Duration("timeout")}, newLogger()), nil
}

func addressArg(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", fmt.Errorf("address is required")
	}
	return c.Args().Get(0), nil
}

func toHistoryEntries(entries []client.TransactionEntry, network string) []historyEntry {
	out := make([]historyEntry, len(entries))
	for i, e := range entries {
		out[i] = historyEntry{Hash: e.Hash, BlockTime: e.BlockTime, ExplorerURL: e.ExplorerURL(network)}
	}
	return out
}

func printHistory(c *cli.Context, h historyOutput) {
	w := stdout(c)
	fmt.Fprintf(w, "Address: %s\n", h.Address)
	if h.Plan == nil {
		fmt.Fprintln(w, "Plan:    (none)")
	} else {
		status := "expired"
		if h.PlanActive {
			status = "active"
		}
		fmt.Fprintf(w, "Plan:    %s (%s)\n", h.Plan.PlanType, status)
		fmt.Fprintf(w, "  Start: %s\n", formatBlockTime(h.Plan.StartTime))
		fmt.Fprintf(w, "  End:   %s\n", formatBlockTime(h.Plan.EndTime))
	}

	fmt.Fprintf(w, "\nTransactions (%d):\n", len(h.Transactions))
	for _, e := range h.Transactions {
		fmt.Fprintf(w, "  %s  %s\n", formatBlockTime(e.BlockTime), e.ExplorerURL)
	}
}

func formatBlockTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
