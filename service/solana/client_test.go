package solana

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/planwallet/service/metrics"
	"github.com/brojonat/planwallet/service/plan"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(mock *mockRPCClient) *Client {
	return NewClient(mock, "devnet", metrics.NewMetrics(prometheus.NewRegistry()), discardLogger())
}

func TestLatestBlockhash(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the node's blockhash", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{blockhash: testHash(7)})
		hash, err := client.LatestBlockhash(ctx)
		require.NoError(t, err)
		assert.Equal(t, testHash(7), hash)
	})

	t.Run("node failure is a stale reference", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{blockhashErr: errors.New("connection refused")})
		_, err := client.LatestBlockhash(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStaleReference)
	})
}

func TestBroadcast(t *testing.T) {
	ctx := context.Background()
	key := newKey(t)
	sel, err := plan.Select(plan.ThreeMonths)
	require.NoError(t, err)

	signed := func() *solana.Transaction {
		tx, err := NewPaymentTransaction(key.PublicKey(), newKey(t).PublicKey(), sel, testHash(1))
		require.NoError(t, err)
		signWith(t, tx, key)
		return tx
	}

	t.Run("success runs preflight at finalized", func(t *testing.T) {
		mock := &mockRPCClient{}
		client := newTestClient(mock)
		tx := signed()

		sig, err := client.Broadcast(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, tx.Signatures[0], sig)
		require.Len(t, mock.sendOps, 1)
		assert.False(t, mock.sendOps[0].SkipPreflight)
		assert.Equal(t, rpc.CommitmentFinalized, mock.sendOps[0].PreflightCommitment)
	})

	t.Run("expired blockhash maps to stale reference", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{sendErr: errors.New("Transaction simulation failed: Blockhash not found")})
		_, err := client.Broadcast(ctx, signed())
		assert.ErrorIs(t, err, ErrStaleReference)
		assert.NotErrorIs(t, err, ErrSubmit)
	})

	t.Run("other faults map to submit error", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{sendErr: errors.New("429 Too Many Requests")})
		_, err := client.Broadcast(ctx, signed())
		assert.ErrorIs(t, err, ErrSubmit)
	})

	t.Run("node rejection is a definite failure", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{sendErr: &jsonrpc.RPCError{
			Code:    -32002,
			Message: "Transaction simulation failed: Attempt to debit an account but found no record of a prior credit.",
		}})
		_, err := client.Broadcast(ctx, signed())
		assert.ErrorIs(t, err, ErrSubmit)
		assert.NotErrorIs(t, err, ErrBroadcastUnknown)
	})

	t.Run("lost reply leaves the outcome unknown", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{sendErr: context.DeadlineExceeded})
		_, err := client.Broadcast(ctx, signed())
		assert.ErrorIs(t, err, ErrSubmit)
		assert.ErrorIs(t, err, ErrBroadcastUnknown)
	})
}

func TestOutcome(t *testing.T) {
	ctx := context.Background()
	sig := solana.MustSignatureFromBase58("5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7")

	tests := []struct {
		name       string
		status     *rpc.SignatureStatusesResult
		commitment rpc.CommitmentType
		want       Outcome
	}{
		{"unseen", nil, rpc.CommitmentFinalized, OutcomeUnknown},
		{"finalized", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}, rpc.CommitmentFinalized, OutcomeConfirmed},
		{"confirmed is not final by default", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}, rpc.CommitmentFinalized, OutcomeUnknown},
		{"confirmed at confirmed commitment", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}, rpc.CommitmentConfirmed, OutcomeConfirmed},
		{"processed at confirmed commitment", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusProcessed}, rpc.CommitmentConfirmed, OutcomeUnknown},
		{"execution error", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized, Err: map[string]any{"InstructionError": []any{0, "Custom"}}}, rpc.CommitmentFinalized, OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockRPCClient{statuses: map[solana.Signature]*rpc.SignatureStatusesResult{}}
			if tt.status != nil {
				mock.statuses[sig] = tt.status
			}
			client := newTestClient(mock).WithCommitment(tt.commitment)

			got, err := client.Outcome(ctx, sig)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("rpc error is returned", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{statusErr: errors.New("boom")})
		got, err := client.Outcome(ctx, sig)
		require.Error(t, err)
		assert.Equal(t, OutcomeUnknown, got)
	})
}

func TestFetchTransaction(t *testing.T) {
	ctx := context.Background()
	payer := newKey(t)
	recipient := newKey(t).PublicKey()
	sel, err := plan.Select(plan.Yearly)
	require.NoError(t, err)

	tx, err := NewPaymentTransaction(payer.PublicKey(), recipient, sel, testHash(3))
	require.NoError(t, err)
	signWith(t, tx, payer)
	sig := tx.Signatures[0]

	t.Run("parses a known payment", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{
			transactions: map[string]*rpc.GetTransactionResult{sig.String(): makeResult(t, tx, 42)},
		})

		txn, err := client.FetchTransaction(ctx, sig)
		require.NoError(t, err)
		require.NotNil(t, txn)
		assert.Equal(t, uint64(42), txn.Slot)
		assert.Equal(t, sel.PriceLamports, txn.Amount)
		require.NoError(t, VerifyPayment(txn, payer.PublicKey(), recipient, sel))
	})

	t.Run("unknown signature returns nil", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{})
		txn, err := client.FetchTransaction(ctx, sig)
		require.NoError(t, err)
		assert.Nil(t, txn)
	})

	t.Run("rpc error is returned", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{txErr: errors.New("boom")})
		_, err := client.FetchTransaction(ctx, sig)
		assert.Error(t, err)
	})
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsStaleReference(errors.New("Transaction simulation failed: Blockhash not found")))
	assert.True(t, IsStaleReference(ErrStaleReference))
	assert.False(t, IsStaleReference(errors.New("insufficient funds")))
	assert.False(t, IsStaleReference(nil))

	assert.True(t, IsRateLimited(errors.New("rpc call returned 429")))
	assert.False(t, IsRateLimited(errors.New("timeout")))
	assert.False(t, IsRateLimited(nil))
}
