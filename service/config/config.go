package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string `envconfig:"SERVER_ADDR" default:":8080"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// Ledger backend
	LedgerURL     string        `envconfig:"LEDGER_URL"`
	LedgerTimeout time.Duration `envconfig:"LEDGER_TIMEOUT" default:"30s"`

	// Solana configuration
	SolanaRPCURLs    []string `envconfig:"SOLANA_RPC_URLS"`
	SolanaNetwork    string   `envconfig:"SOLANA_NETWORK" default:"devnet"`
	SolanaCommitment string   `envconfig:"SOLANA_COMMITMENT" default:"finalized"`
	PaymentRecipient string   `envconfig:"PAYMENT_RECIPIENT"`

	// Wallet signing bridge
	WalletBridgeURL string `envconfig:"WALLET_BRIDGE_URL" default:"http://localhost:7777"`

	// Confirmation polling
	ConfirmationTimeout         time.Duration `envconfig:"CONFIRMATION_TIMEOUT" default:"60s"`
	ConfirmationPollInterval    time.Duration `envconfig:"CONFIRMATION_POLL_INTERVAL" default:"500ms"`
	ConfirmationMaxPollInterval time.Duration `envconfig:"CONFIRMATION_MAX_POLL_INTERVAL" default:"4s"`

	// Optional infrastructure. Empty values select the in-memory journal and
	// disable event publishing.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	NATSURL     string `envconfig:"NATS_URL"`
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	cfg.SolanaRPCURLs = compact(cfg.SolanaRPCURLs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.LedgerURL == "" {
		errs = append(errs, fmt.Errorf("LEDGER_URL is required"))
	} else if u, err := url.Parse(c.LedgerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("LEDGER_URL must be an absolute URL, got %q", c.LedgerURL))
	}

	if len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URLS is required"))
	}

	switch c.SolanaNetwork {
	case "devnet", "testnet", "mainnet-beta":
	default:
		errs = append(errs, fmt.Errorf("SOLANA_NETWORK must be devnet, testnet or mainnet-beta, got %q", c.SolanaNetwork))
	}

	switch c.SolanaCommitment {
	case "finalized", "confirmed":
	default:
		errs = append(errs, fmt.Errorf("SOLANA_COMMITMENT must be finalized or confirmed, got %q", c.SolanaCommitment))
	}

	if c.PaymentRecipient == "" {
		errs = append(errs, fmt.Errorf("PAYMENT_RECIPIENT is required"))
	} else if _, err := solana.PublicKeyFromBase58(c.PaymentRecipient); err != nil {
		errs = append(errs, fmt.Errorf("PAYMENT_RECIPIENT is not a valid public key: %v", err))
	}

	if c.WalletBridgeURL == "" {
		errs = append(errs, fmt.Errorf("WALLET_BRIDGE_URL is required"))
	}

	if c.ConfirmationTimeout < time.Second {
		errs = append(errs, fmt.Errorf("CONFIRMATION_TIMEOUT must be at least 1 second"))
	}
	if c.ConfirmationPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("CONFIRMATION_POLL_INTERVAL must be positive"))
	}
	if c.ConfirmationMaxPollInterval < c.ConfirmationPollInterval {
		errs = append(errs, fmt.Errorf("CONFIRMATION_MAX_POLL_INTERVAL (%v) cannot be less than CONFIRMATION_POLL_INTERVAL (%v)",
			c.ConfirmationMaxPollInterval, c.ConfirmationPollInterval))
	}
	if c.ConfirmationPollInterval >= c.ConfirmationTimeout {
		errs = append(errs, fmt.Errorf("CONFIRMATION_POLL_INTERVAL must be shorter than CONFIRMATION_TIMEOUT"))
	}

	if c.LedgerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_TIMEOUT must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// compact trims entries and drops empty ones left by stray commas.
func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
