// Package app wires the engine and its collaborators from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/planwallet/client"
	"github.com/brojonat/planwallet/service/config"
	"github.com/brojonat/planwallet/service/db"
	"github.com/brojonat/planwallet/service/metrics"
	natspkg "github.com/brojonat/planwallet/service/nats"
	"github.com/brojonat/planwallet/service/reconcile"
	"github.com/brojonat/planwallet/service/solana"
	"github.com/brojonat/planwallet/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
)

// signTimeout bounds a bridge request, which may wait on a human approving
// the request in the extension.
const signTimeout = 5 * time.Minute

// App holds the wired collaborators. Close releases them.
type App struct {
	Engine  *reconcile.Engine
	Ledger  *client.LedgerClient
	Chain   *solana.Client
	Journal db.Journal
	Events  natspkg.Publisher

	closers []func()
}

// New builds an App. A DATABASE_URL selects the Postgres journal and a
// NATS_URL enables event publishing; otherwise in-process stand-ins are used.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*App, error) {
	a := &App{}

	endpoint, err := solana.SelectRandomEndpoint(cfg.SolanaRPCURLs)
	if err != nil {
		return nil, err
	}
	a.Chain = solana.NewClient(solana.NewRPCClient(endpoint), endpoint, m, logger).
		WithCommitment(rpc.CommitmentType(cfg.SolanaCommitment))
	logger.Info("initialized solana RPC client",
		"network", cfg.SolanaNetwork,
		"commitment", cfg.SolanaCommitment,
		"endpoints", len(cfg.SolanaRPCURLs),
	)

	recipient, err := solanago.PublicKeyFromBase58(cfg.PaymentRecipient)
	if err != nil {
		return nil, fmt.Errorf("invalid payment recipient: %w", err)
	}

	a.Ledger = client.NewLedgerClient(cfg.LedgerURL, &http.Client{Timeout: cfg.LedgerTimeout}, logger)

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		store := db.NewStore(pool, m)
		if err := store.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.Journal = store
		logger.Info("payment journal backed by postgres")
	} else {
		a.Journal = db.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, payment journal is in-memory")
	}

	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { publisher.Close() })
		a.Events = publisher
	} else {
		a.Events = natspkg.NopPublisher{}
		logger.Warn("NATS_URL not set, flow events are not published")
	}

	bridgeClient := &http.Client{Timeout: signTimeout}
	providers := []wallet.Provider{
		wallet.NewBridgeProvider(wallet.PhantomLike, cfg.WalletBridgeURL, bridgeClient, logger),
		wallet.NewBridgeProvider(wallet.SolflareLike, cfg.WalletBridgeURL, bridgeClient, logger),
	}

	builder := solana.NewBuilder(a.Chain, recipient, logger)
	submitter := solana.NewSubmitter(builder, a.Chain, solana.SubmitterConfig{
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		PollInterval:        cfg.ConfirmationPollInterval,
		MaxPollInterval:     cfg.ConfirmationMaxPollInterval,
	}, m, logger)

	a.Engine = reconcile.NewEngine(providers, a.Ledger, submitter, a.Chain, reconcile.Options{
		Network:   cfg.SolanaNetwork,
		Recipient: recipient,
		Journal:   a.Journal,
		Events:    a.Events,
		Metrics:   m,
		Logger:    logger,
	})
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ParseLogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func ParseLogLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
