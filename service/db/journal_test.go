package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func strPtr(s string) *string { return &s }

func newPayment(status string) *Payment {
	return &Payment{
		ID:            uuid.NewString(),
		Address:       testAddress,
		Network:       "devnet",
		PlanType:      "three_months",
		PriceLamports: 10_000_000,
		Blockhash:     "hash",
		Status:        status,
	}
}

// journalContract runs the same behaviour checks against any Journal.
func journalContract(t *testing.T, newJournal func(t *testing.T) Journal) {
	ctx := context.Background()

	t.Run("save then get", func(t *testing.T) {
		j := newJournal(t)
		p := newPayment("building")
		require.NoError(t, j.SavePayment(ctx, p))

		got, err := j.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, RegistrationNone, got.Registration)
		assert.Nil(t, got.Signature)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("save updates in place", func(t *testing.T) {
		j := newJournal(t)
		p := newPayment("building")
		require.NoError(t, j.SavePayment(ctx, p))

		p.Status = StatusSubmitted
		p.Signature = strPtr("sig-1")
		p.Attempts = 1
		require.NoError(t, j.SavePayment(ctx, p))

		got, err := j.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSubmitted, got.Status)
		require.NotNil(t, got.Signature)
		assert.Equal(t, "sig-1", *got.Signature)
		assert.Equal(t, int32(1), got.Attempts)

		list, err := j.ListPayments(ctx, testAddress, "devnet", 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("missing payment", func(t *testing.T) {
		j := newJournal(t)
		_, err := j.GetPayment(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrPaymentNotFound)
	})

	t.Run("unresolved selection", func(t *testing.T) {
		j := newJournal(t)

		submitted := newPayment(StatusSubmitted)
		submitted.Signature = strPtr("sig-submitted")

		timedOut := newPayment(StatusFailed)
		timedOut.Signature = strPtr("sig-timeout")
		timedOut.ChainUnknown = true

		rejectedSig := newPayment(StatusFailed)
		rejectedSig.FailureStage = strPtr("sign")

		confirmedUnregistered := newPayment(StatusConfirmed)
		confirmedUnregistered.Signature = strPtr("sig-confirmed")
		confirmedUnregistered.Registration = RegistrationUnavailable

		done := newPayment(StatusConfirmed)
		done.Signature = strPtr("sig-done")
		done.Registration = RegistrationRegistered

		otherNetwork := newPayment(StatusSubmitted)
		otherNetwork.Network = "mainnet-beta"
		otherNetwork.Signature = strPtr("sig-mainnet")

		for _, p := range []*Payment{submitted, timedOut, rejectedSig, confirmedUnregistered, done, otherNetwork} {
			require.NoError(t, j.SavePayment(ctx, p))
			time.Sleep(2 * time.Millisecond)
		}

		got, err := j.ListUnresolved(ctx, testAddress, "devnet")
		require.NoError(t, err)

		ids := make([]string, 0, len(got))
		for _, p := range got {
			ids = append(ids, p.ID)
		}
		assert.Equal(t, []string{submitted.ID, timedOut.ID, confirmedUnregistered.ID}, ids)
	})
}

func TestMemoryStore(t *testing.T) {
	journalContract(t, func(t *testing.T) Journal { return NewMemoryStore() })
}

func TestStore_Postgres(t *testing.T) {
	SkipIfNoTestDB(t)

	journalContract(t, func(t *testing.T) Journal {
		ts := NewTestStore(t)
		ts.Cleanup(t)
		t.Cleanup(ts.Close)
		return ts
	})
}

func TestPayment_Unresolved(t *testing.T) {
	p := newPayment("building")
	assert.False(t, p.Unresolved())

	p.Status = StatusSubmitted
	assert.True(t, p.Unresolved())

	p.Status = StatusFailed
	assert.False(t, p.Unresolved())
	p.ChainUnknown = true
	assert.True(t, p.Unresolved())

	p.Status = StatusConfirmed
	p.ChainUnknown = false
	p.Registration = RegistrationNone
	assert.True(t, p.Unresolved())
	p.Registration = RegistrationRejected
	assert.False(t, p.Unresolved())
}
