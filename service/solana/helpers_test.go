package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHash(b byte) solana.Hash {
	var h solana.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

// signWith signs tx in place with key, which must be the fee payer.
func signWith(t *testing.T, tx *solana.Transaction, key solana.PrivateKey) {
	t.Helper()
	_, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	})
	require.NoError(t, err)
}

// makeResult wraps tx in a GetTransactionResult the way a node returns it
// with base64 encoding.
func makeResult(t *testing.T, tx *solana.Transaction, slot uint64) *rpc.GetTransactionResult {
	t.Helper()
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	body := fmt.Sprintf(`{"slot":%d,"blockTime":1700000000,"transaction":[%q,"base64"]}`,
		slot, base64.StdEncoding.EncodeToString(raw))
	var result rpc.GetTransactionResult
	require.NoError(t, json.Unmarshal([]byte(body), &result))
	return &result
}

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	blockhash    solana.Hash
	blockhashErr error

	sendErr error
	sent    []*solana.Transaction
	sendOps []rpc.TransactionOpts

	statuses  map[solana.Signature]*rpc.SignatureStatusesResult
	statusErr error

	transactions map[string]*rpc.GetTransactionResult
	txErr        error
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if m.blockhashErr != nil {
		return nil, m.blockhashErr
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: m.blockhash, LastValidBlockHeight: 100},
	}, nil
}

func (m *mockRPCClient) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	m.sendOps = append(m.sendOps, opts)
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	return tx.Signatures[0], nil
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	out := &rpc.GetSignatureStatusesResult{}
	for _, sig := range signatures {
		out.Value = append(out.Value, m.statuses[sig])
	}
	return out, nil
}

func (m *mockRPCClient) GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	if m.txErr != nil {
		return nil, m.txErr
	}
	if m.transactions == nil {
		return nil, rpc.ErrNotFound
	}
	result, ok := m.transactions[signature.String()]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return result, nil
}
