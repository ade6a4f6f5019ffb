package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "planwallet",
		Usage: "Plan subscription orchestrator CLI",
		Description: `A command-line tool for operating planwallet.

Use this CLI to inspect ledger history, check payment signatures on chain,
review the payment journal, and run a plan subscription through the wallet bridge.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			plansCommand(),
			historyCommand(),
			resyncCommand(),
			subscribeCommand(),
			signatureStatusCommand(),
			pendingCommand(),
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "ledger-url",
				Usage:   "Subscription ledger base URL",
				EnvVars: []string{"LEDGER_URL"},
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC endpoint",
				EnvVars: []string{"SOLANA_RPC_URL"},
				Value:   "https://api.devnet.solana.com",
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Solana network (devnet, testnet, mainnet-beta)",
				EnvVars: []string{"SOLANA_NETWORK"},
				Value:   "devnet",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Payment journal database URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Server URL for health checks",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "Filter JSON output with a jq expression (implies --json)",
			},
		},
	}
}
