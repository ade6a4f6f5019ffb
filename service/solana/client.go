package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/planwallet/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	// ErrStaleReference means the recent blockhash could not be fetched or has expired.
	ErrStaleReference = errors.New("stale block reference")

	// ErrSubmit covers broadcast faults and transactions that failed on chain.
	ErrSubmit = errors.New("transaction submit failed")

	// ErrBroadcastUnknown marks a broadcast whose reply was lost. The node may
	// still have accepted the transaction. Always wrapped together with ErrSubmit.
	ErrBroadcastUnknown = errors.New("broadcast outcome unknown")

	// ErrConfirmationTimeout means finality was not observed in time.
	// The chain state is unknown, not failed.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetLatestBlockhash(
		ctx context.Context,
		commitment rpc.CommitmentType,
	) (*rpc.GetLatestBlockhashResult, error)

	SendTransactionWithOpts(
		ctx context.Context,
		tx *solana.Transaction,
		opts rpc.TransactionOpts,
	) (solana.Signature, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)
}

// Client provides the chain operations a payment needs.
// It wraps the RPC client with domain-specific operations and metrics.
type Client struct {
	rpc        RPCClient
	logger     *slog.Logger
	metrics    *metrics.Metrics
	endpoint   string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
	commitment rpc.CommitmentType
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:        rpcClient,
		logger:     logger,
		metrics:    m,
		endpoint:   endpoint,
		commitment: rpc.CommitmentFinalized,
	}
}

// WithCommitment sets the commitment level treated as final. Defaults to finalized.
func (c *Client) WithCommitment(commitment rpc.CommitmentType) *Client {
	c.commitment = commitment
	return c
}

// Commitment returns the commitment level treated as final.
func (c *Client) Commitment() rpc.CommitmentType {
	return c.commitment
}

// LatestBlockhash fetches the most recent finalized blockhash.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	c.record(ctx, "GetLatestBlockhash", start, err)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("%w: %v", ErrStaleReference, err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, fmt.Errorf("%w: empty blockhash response", ErrStaleReference)
	}
	return out.Value.Blockhash, nil
}

// Broadcast sends a signed transaction. Preflight runs at the same commitment the
// blockhash was fetched with so an expired blockhash surfaces as a stale reference.
func (c *Client) Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	start := time.Now()
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	c.record(ctx, "SendTransaction", start, err)
	if err != nil {
		if IsStaleReference(err) {
			return solana.Signature{}, fmt.Errorf("%w: %v", ErrStaleReference, err)
		}
		if !IsNodeRejection(err) {
			return solana.Signature{}, fmt.Errorf("%w: %w: %v", ErrSubmit, ErrBroadcastUnknown, err)
		}
		return solana.Signature{}, fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	return sig, nil
}

// SignatureStatus returns the chain's view of a signature, or nil if unseen.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	c.record(ctx, "GetSignatureStatuses", start, err)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// Outcome evaluates a signature against the configured commitment.
func (c *Client) Outcome(ctx context.Context, sig solana.Signature) (Outcome, error) {
	status, err := c.SignatureStatus(ctx, sig)
	if err != nil {
		return OutcomeUnknown, err
	}
	return evaluateStatus(status, c.commitment), nil
}

// FetchTransaction fetches and parses a transaction by signature.
// Returns nil without error when the node does not know the signature.
func (c *Client) FetchTransaction(ctx context.Context, sig solana.Signature) (*Transaction, error) {
	start := time.Now()
	result, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &[]uint64{0}[0],
	})
	c.record(ctx, "GetTransaction", start, err)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return parseTransactionFromResult(sig.String(), result)
}

// record logs and counts one RPC round trip.
func (c *Client) record(ctx context.Context, method string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
		c.logger.WarnContext(ctx, "solana rpc call failed",
			"method", method,
			"endpoint", c.endpoint,
			"error", err,
		)
	}
	if c.metrics == nil {
		return
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, duration)
	if err != nil && IsRateLimited(err) {
		c.metrics.RecordRateLimitHit(c.endpoint)
	}
}

// IsStaleReference reports whether a broadcast error means the blockhash expired.
func IsStaleReference(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleReference) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Blockhash not found") || strings.Contains(msg, "BlockhashNotFound")
}

// IsNodeRejection reports whether err is a JSON-RPC error answered by the
// node, such as a failed preflight. Anything else (timeouts, dropped
// connections, HTTP faults) leaves open whether the transaction was accepted.
func IsNodeRejection(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}

// IsRateLimited reports whether the node answered 429 Too Many Requests.
func IsRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "429")
}

// evaluateStatus maps a signature status onto an Outcome at the given commitment.
func evaluateStatus(status *rpc.SignatureStatusesResult, commitment rpc.CommitmentType) Outcome {
	if status == nil {
		return OutcomeUnknown
	}
	if status.Err != nil {
		return OutcomeFailed
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return OutcomeConfirmed
	case rpc.ConfirmationStatusConfirmed:
		if commitment == rpc.CommitmentConfirmed || commitment == rpc.CommitmentProcessed {
			return OutcomeConfirmed
		}
	case rpc.ConfirmationStatusProcessed:
		if commitment == rpc.CommitmentProcessed {
			return OutcomeConfirmed
		}
	}
	return OutcomeUnknown
}
