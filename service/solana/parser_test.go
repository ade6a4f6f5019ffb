package solana

import (
	"encoding/binary"
	"testing"

	"github.com/brojonat/planwallet/service/plan"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransaction_PlanPayment(t *testing.T) {
	payer := newKey(t)
	recipient := newKey(t).PublicKey()
	sel, err := plan.Select(plan.ThreeMonths)
	require.NoError(t, err)

	tx, err := NewPaymentTransaction(payer.PublicKey(), recipient, sel, testHash(9))
	require.NoError(t, err)
	signWith(t, tx, payer)

	txn, err := parseTransactionFromResult(tx.Signatures[0].String(), makeResult(t, tx, 7))
	require.NoError(t, err)

	assert.Equal(t, tx.Signatures[0].String(), txn.Signature)
	assert.Equal(t, uint64(7), txn.Slot)
	assert.Equal(t, int64(1700000000), txn.BlockTime.Unix())
	assert.Equal(t, uint64(10_000_000), txn.Amount)
	require.NotNil(t, txn.FromAddress)
	assert.Equal(t, payer.PublicKey().String(), *txn.FromAddress)
	require.NotNil(t, txn.ToAddress)
	assert.Equal(t, recipient.String(), *txn.ToAddress)
	require.NotNil(t, txn.Memo)
	assert.Equal(t, "planwallet:three_months", *txn.Memo)
	assert.Nil(t, txn.Err)
}

func TestParseTransaction_FailedOnChain(t *testing.T) {
	result := &rpc.GetTransactionResult{
		Slot: 5,
		Meta: &rpc.TransactionMeta{Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
	}

	txn, err := parseTransactionFromResult("sig", result)
	require.NoError(t, err)
	require.NotNil(t, txn.Err)
	assert.Contains(t, *txn.Err, "transaction failed")
	assert.Zero(t, txn.Amount)
}

func TestParseTransaction_NoEnvelope(t *testing.T) {
	txn, err := parseTransactionFromResult("sig", &rpc.GetTransactionResult{Slot: 1})
	require.NoError(t, err)
	assert.Nil(t, txn.FromAddress)
	assert.Nil(t, txn.Memo)
	assert.True(t, txn.BlockTime.IsZero())
}

func TestParseSystemTransfer(t *testing.T) {
	from := newKey(t).PublicKey()
	to := newKey(t).PublicKey()
	keys := []solana.PublicKey{from, to, solana.SystemProgramID}

	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], SystemProgramTransferInstruction)
	binary.LittleEndian.PutUint64(data[4:12], 50_000_000)

	amount, gotFrom, gotTo, err := parseSystemTransfer(solana.CompiledInstruction{
		ProgramIDIndex: 2,
		Accounts:       []uint16{0, 1},
		Data:           data,
	}, keys)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000_000), amount)
	assert.Equal(t, from, *gotFrom)
	assert.Equal(t, to, *gotTo)

	t.Run("short data", func(t *testing.T) {
		_, _, _, err := parseSystemTransfer(solana.CompiledInstruction{Data: []byte{2, 0}}, keys)
		assert.Error(t, err)
	})

	t.Run("not a transfer", func(t *testing.T) {
		other := make([]byte, 12)
		binary.LittleEndian.PutUint32(other[0:4], 0)
		_, _, _, err := parseSystemTransfer(solana.CompiledInstruction{Data: other}, keys)
		assert.Error(t, err)
	})
}

func TestParseMemo(t *testing.T) {
	assert.Equal(t, "planwallet:yearly", parseMemo([]byte("planwallet:yearly")))
	assert.Equal(t, "", parseMemo([]byte{0xff, 0xfe}))
	assert.Equal(t, "", parseMemo([]byte{'a', 0, 'b'}))
}
