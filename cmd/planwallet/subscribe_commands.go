package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/brojonat/planwallet/service/app"
	"github.com/brojonat/planwallet/service/config"
	"github.com/brojonat/planwallet/service/plan"
	"github.com/brojonat/planwallet/service/reconcile"
	"github.com/urfave/cli/v2"
)

type subscribeOutput struct {
	Address  string                      `json:"address"`
	Resolved []reconcile.ResolvedPayment `json:"resolved,omitempty"`
	Result   *reconcile.FlowResult       `json:"result,omitempty"`
	Stage    reconcile.Stage             `json:"stage,omitempty"`
	Error    string                      `json:"error,omitempty"`
	View     *reconcile.View             `json:"view"`
}

func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Connect through the wallet bridge and subscribe to a plan",
		ArgsUsage: "PLAN",
		Description: `Runs the full flow: connect, resync, pay (for priced plans) and register.
Configuration is read from the same environment as the server.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "trusted-only",
				Usage: "Only connect if the wallet already trusts this app (never prompts)",
			},
			&cli.BoolFlag{
				Name:  "resolve",
				Usage: "Resolve unresolved earlier payments before subscribing",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("plan is required (one of %v)", plan.All())
			}
			planType, err := plan.Parse(c.Args().Get(0))
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			// Interrupts stop the wait; a broadcast payment still runs to completion.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			logger := newLogger()
			a, err := app.New(ctx, cfg, nil, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			engine := a.Engine
			view, err := engine.Connect(ctx, c.Bool("trusted-only"))
			if err != nil {
				return fmt.Errorf("failed to connect wallet: %w", err)
			}
			defer engine.Disconnect(context.Background())

			out := subscribeOutput{Address: view.Session.Address}
			if !wantJSON(c) {
				fmt.Fprintf(stdout(c), "Connected %s (%s)\n", view.Session.Address, view.Session.Provider)
				for _, warning := range view.Warnings {
					fmt.Fprintf(stdout(c), "  warning: %s\n", warning)
				}
			}

			if c.Bool("resolve") && view.UnresolvedPayments > 0 {
				out.Resolved, err = engine.ResolvePending(ctx)
				if err != nil {
					return fmt.Errorf("failed to resolve earlier payments: %w", err)
				}
			}

			result, flowErr := engine.SelectPlan(ctx, planType)
			out.Result = result
			out.View = engine.Snapshot()
			if flowErr != nil {
				out.Stage = reconcile.StageOf(flowErr)
				out.Error = flowErr.Error()
			}

			if wantJSON(c) {
				if err := outputJSON(c, out); err != nil {
					return err
				}
			} else {
				printSubscribe(c, out)
			}

			if flowErr != nil {
				if errors.Is(flowErr, reconcile.ErrRegistrationPending) {
					return fmt.Errorf("payment succeeded but registration is pending, retry once the ledger is back: %w", flowErr)
				}
				return flowErr
			}
			return nil
		},
	}
}

func printSubscribe(c *cli.Context, out subscribeOutput) {
	w := stdout(c)
	for _, r := range out.Resolved {
		fmt.Fprintf(w, "Resolved %s (%s): %s\n", r.PaymentID, r.Plan, r.Resolution)
	}
	if out.Result != nil && out.Result.Payment != nil {
		p := out.Result.Payment
		fmt.Fprintf(w, "Payment:  %s SOL, %s", plan.LamportsToSOL(p.Lamports), p.Status)
		if p.Signature != nil {
			fmt.Fprintf(w, " (%s)", *p.Signature)
		}
		fmt.Fprintln(w)
	}
	if out.Error != "" {
		fmt.Fprintf(w, "Failed at %s: %s\n", out.Stage, out.Error)
	}
	if out.Result != nil && out.Result.Message != "" {
		fmt.Fprintf(w, "Ledger:   %s\n", out.Result.Message)
	}
	if out.View != nil && out.View.Plan != nil {
		fmt.Fprintf(w, "Plan:     %s until %s\n", out.View.Plan.PlanType, formatBlockTime(out.View.Plan.EndTime))
	}
}
