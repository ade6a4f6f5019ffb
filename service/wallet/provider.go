package wallet

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// Kind names the wallet extension family behind a Provider.
type Kind string

const (
	PhantomLike  Kind = "phantom"
	SolflareLike Kind = "solflare"
)

var (
	// ErrNotInstalled means the provider is not available in the host environment.
	ErrNotInstalled = errors.New("wallet provider not installed")

	// ErrUserRejected means the human declined the request in the wallet.
	ErrUserRejected = errors.New("user rejected the request")

	// ErrProviderError covers any other failure reported by the provider.
	ErrProviderError = errors.New("wallet provider error")
)

// Provider is the capability surface shared by all wallet extensions.
// Implementations never hold private keys; signing is delegated to the extension.
type Provider interface {
	// Kind reports which extension family this provider talks to.
	Kind() Kind

	// Available probes whether the extension is present. It must not prompt the user.
	Available(ctx context.Context) bool

	// Connect establishes the session used by SignTransaction and returns the
	// base58 public key. With trustedOnly set the provider must not prompt.
	Connect(ctx context.Context, trustedOnly bool) (string, error)

	// Disconnect ends the session. It is a no-op success when no session exists.
	Disconnect(ctx context.Context) error

	// SignTransaction returns a signed copy of tx. It performs no chain I/O.
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)

	// CurrentAddress returns the connected address, or "" without a session.
	// It reports the provider's last known state and performs no I/O.
	CurrentAddress() string

	// CheckSession asks the extension whether the session is still live and
	// returns its address, or "" once the extension dropped it or switched
	// accounts. An error means the extension could not be asked.
	CheckSession(ctx context.Context) (string, error)
}
