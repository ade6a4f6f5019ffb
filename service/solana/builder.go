package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/planwallet/service/plan"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// MemoPrefix tags payment memos so the ledger can tell which plan a transfer paid for.
const MemoPrefix = "planwallet:"

var (
	// ErrNoPaymentRequired is returned for free plans; no transaction is built for them.
	ErrNoPaymentRequired = errors.New("plan requires no payment")

	// ErrInvalidAddress is returned when the fee payer is not a base58 public key.
	ErrInvalidAddress = errors.New("invalid address")
)

// BlockhashSource fetches the block reference a transaction needs for freshness.
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// Builder constructs unsigned plan payments to a fixed recipient.
type Builder struct {
	blockhashes BlockhashSource
	recipient   solana.PublicKey
	logger      *slog.Logger
}

// NewBuilder creates a Builder paying into recipient.
func NewBuilder(blockhashes BlockhashSource, recipient solana.PublicKey, logger *slog.Logger) *Builder {
	return &Builder{
		blockhashes: blockhashes,
		recipient:   recipient,
		logger:      logger,
	}
}

// Recipient returns the address payments are sent to.
func (b *Builder) Recipient() solana.PublicKey {
	return b.recipient
}

// Build validates the plan, fetches a fresh blockhash and returns the unsigned transfer.
// Plan and address validation happen before any network call.
func (b *Builder) Build(ctx context.Context, feePayer string, planType plan.Type) (*solana.Transaction, error) {
	sel, err := plan.Select(planType)
	if err != nil {
		return nil, err
	}
	if sel.IsFree() {
		return nil, fmt.Errorf("%w: %s", ErrNoPaymentRequired, planType)
	}

	payer, err := solana.PublicKeyFromBase58(feePayer)
	if err != nil {
		return nil, fmt.Errorf("%w: fee payer %q: %v", ErrInvalidAddress, feePayer, err)
	}

	blockhash, err := b.blockhashes.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := NewPaymentTransaction(payer, b.recipient, sel, blockhash)
	if err != nil {
		return nil, err
	}

	b.logger.DebugContext(ctx, "built payment transaction",
		"plan", planType,
		"lamports", sel.PriceLamports,
		"fee_payer", payer.String(),
		"blockhash", blockhash.String(),
	)
	return tx, nil
}

// NewPaymentTransaction is the pure part of Build: a system transfer of the plan
// price from feePayer to recipient plus a memo naming the plan.
func NewPaymentTransaction(feePayer, recipient solana.PublicKey, sel plan.Selection, blockhash solana.Hash) (*solana.Transaction, error) {
	if !sel.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", plan.ErrInvalidPlan, string(sel.Type))
	}
	if sel.IsFree() {
		return nil, fmt.Errorf("%w: %s", ErrNoPaymentRequired, sel.Type)
	}

	transfer := system.NewTransferInstruction(sel.PriceLamports, feePayer, recipient).Build()
	memo := solana.NewInstruction(
		MemoProgramIDSPL,
		solana.AccountMetaSlice{solana.NewAccountMeta(feePayer, false, true)},
		[]byte(MemoPrefix+string(sel.Type)),
	)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{transfer, memo},
		blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tx, nil
}

// VerifyPayment checks that a parsed transaction pays sel from payer to recipient.
func VerifyPayment(txn *Transaction, payer, recipient solana.PublicKey, sel plan.Selection) error {
	if txn == nil {
		return fmt.Errorf("transaction not found")
	}
	if txn.Err != nil {
		return fmt.Errorf("transaction failed on chain: %s", *txn.Err)
	}
	if txn.FromAddress == nil || *txn.FromAddress != payer.String() {
		return fmt.Errorf("transfer is not from %s", payer)
	}
	if txn.ToAddress == nil || *txn.ToAddress != recipient.String() {
		return fmt.Errorf("transfer is not to %s", recipient)
	}
	if txn.Amount != sel.PriceLamports {
		return fmt.Errorf("transfer amount %d does not match plan price %d", txn.Amount, sel.PriceLamports)
	}
	return nil
}
