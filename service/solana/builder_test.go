package solana

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/planwallet/service/plan"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqBlockhashes hands out a new blockhash on every call.
type seqBlockhashes struct {
	calls int
	err   error
}

func (s *seqBlockhashes) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	s.calls++
	if s.err != nil {
		return solana.Hash{}, s.err
	}
	return testHash(byte(s.calls)), nil
}

func TestBuild_PaidPlan(t *testing.T) {
	payer := newKey(t)
	recipient := newKey(t).PublicKey()
	source := &seqBlockhashes{}
	builder := NewBuilder(source, recipient, discardLogger())

	tx, err := builder.Build(context.Background(), payer.PublicKey().String(), plan.Yearly)
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls)
	assert.Equal(t, testHash(1), tx.Message.RecentBlockhash)
	assert.Equal(t, payer.PublicKey(), tx.Message.AccountKeys[0], "fee payer must be the first account")
	assert.Len(t, tx.Message.Instructions, 2)

	signWith(t, tx, payer)
	txn, err := parseTransactionFromResult(tx.Signatures[0].String(), makeResult(t, tx, 1))
	require.NoError(t, err)

	sel, err := plan.Select(plan.Yearly)
	require.NoError(t, err)
	require.NoError(t, VerifyPayment(txn, payer.PublicKey(), recipient, sel))
	require.NotNil(t, txn.Memo)
	assert.Equal(t, MemoPrefix+"yearly", *txn.Memo)
}

func TestBuild_RejectsBeforeNetwork(t *testing.T) {
	payer := newKey(t).PublicKey().String()

	tests := []struct {
		name    string
		payer   string
		plan    plan.Type
		wantErr error
	}{
		{"free plan", payer, plan.FreeTrial, ErrNoPaymentRequired},
		{"unknown plan", payer, plan.Type("lifetime"), plan.ErrInvalidPlan},
		{"bad payer", "not-base58!", plan.Yearly, ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &seqBlockhashes{}
			builder := NewBuilder(source, newKey(t).PublicKey(), discardLogger())

			_, err := builder.Build(context.Background(), tt.payer, tt.plan)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, source.calls, "no network call expected")
		})
	}
}

func TestBuild_BlockhashFailure(t *testing.T) {
	source := &seqBlockhashes{err: ErrStaleReference}
	builder := NewBuilder(source, newKey(t).PublicKey(), discardLogger())

	_, err := builder.Build(context.Background(), newKey(t).PublicKey().String(), plan.ThreeMonths)
	assert.ErrorIs(t, err, ErrStaleReference)
}

func TestVerifyPayment_Mismatches(t *testing.T) {
	payer := newKey(t).PublicKey()
	recipient := newKey(t).PublicKey()
	sel, err := plan.Select(plan.ThreeMonths)
	require.NoError(t, err)

	from := payer.String()
	to := recipient.String()
	good := func() *Transaction {
		return &Transaction{Amount: sel.PriceLamports, FromAddress: &from, ToAddress: &to}
	}

	require.NoError(t, VerifyPayment(good(), payer, recipient, sel))

	assert.Error(t, VerifyPayment(nil, payer, recipient, sel))

	wrongAmount := good()
	wrongAmount.Amount = 1
	assert.Error(t, VerifyPayment(wrongAmount, payer, recipient, sel))

	other := newKey(t).PublicKey().String()
	wrongTo := good()
	wrongTo.ToAddress = &other
	assert.Error(t, VerifyPayment(wrongTo, payer, recipient, sel))

	failed := good()
	msg := "transaction failed: custom"
	failed.Err = &msg
	assert.Error(t, VerifyPayment(failed, payer, recipient, sel))
}

func TestNewPaymentTransaction_FreePlan(t *testing.T) {
	sel, err := plan.Select(plan.FreeTrial)
	require.NoError(t, err)
	_, err = NewPaymentTransaction(newKey(t).PublicKey(), newKey(t).PublicKey(), sel, testHash(1))
	assert.True(t, errors.Is(err, ErrNoPaymentRequired))
}
