package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/planwallet/service/db"
	"github.com/brojonat/planwallet/service/plan"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

type journalEntry struct {
	ID           string    `json:"id"`
	Plan         string    `json:"plan"`
	Lamports     int64     `json:"lamports"`
	Status       string    `json:"status"`
	Signature    *string   `json:"signature,omitempty"`
	Attempts     int32     `json:"attempts"`
	FailureStage *string   `json:"failure_stage,omitempty"`
	Failure      *string   `json:"failure,omitempty"`
	ChainUnknown bool      `json:"chain_unknown"`
	Registration string    `json:"registration"`
	Unresolved   bool      `json:"unresolved"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toJournalEntry(p *db.Payment) journalEntry {
	return journalEntry{
		ID:           p.ID,
		Plan:         p.PlanType,
		Lamports:     p.PriceLamports,
		Status:       p.Status,
		Signature:    p.Signature,
		Attempts:     p.Attempts,
		FailureStage: p.FailureStage,
		Failure:      p.FailureReason,
		ChainUnknown: p.ChainUnknown,
		Registration: p.Registration,
		Unresolved:   p.Unresolved(),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func pendingCommand() *cli.Command {
	return &cli.Command{
		Name:      "pending",
		Usage:     "List journaled payment attempts for an address",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Include resolved attempts",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum attempts to list with --all",
				Value: 50,
			},
		},
		Action: func(c *cli.Context) error {
			address, err := addressArg(c)
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			network := c.String("network")
			var payments []*db.Payment
			if c.Bool("all") {
				payments, err = store.ListPayments(ctx, address, network, int32(c.Int("limit")))
			} else {
				payments, err = store.ListUnresolved(ctx, address, network)
			}
			if err != nil {
				return fmt.Errorf("failed to list payments: %w", err)
			}

			entries := make([]journalEntry, len(payments))
			for i, p := range payments {
				entries[i] = toJournalEntry(p)
			}
			if wantJSON(c) {
				return outputJSON(c, entries)
			}

			w := stdout(c)
			if len(entries) == 0 {
				fmt.Fprintln(w, "No payment attempts found.")
				return nil
			}
			fmt.Fprintf(w, "%-36s %-13s %-10s %-10s %-12s %s\n", "ID", "PLAN", "SOL", "STATUS", "REGISTERED", "SIGNATURE")
			for _, e := range entries {
				status := e.Status
				if e.ChainUnknown {
					status += "?"
				}
				fmt.Fprintf(w, "%-36s %-13s %-10s %-10s %-12s %s\n",
					e.ID, e.Plan, plan.LamportsToSOL(uint64(e.Lamports)), status, e.Registration, formatOptional(e.Signature))
			}
			return nil
		},
	}
}

// getStore connects to the payment journal database.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}

func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "-"
}
