package solana

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known Solana program IDs
var (
	// MemoProgramIDSPL is the SPL Memo program (most common)
	MemoProgramIDSPL = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// MemoProgramIDLegacy is the legacy memo program (v1)
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

// parseTransactionFromResult parses a full GetTransactionResult into our domain Transaction.
// It extracts the native transfer (amount, source, destination) and memo.
func parseTransactionFromResult(signature string, result *rpc.GetTransactionResult) (*Transaction, error) {
	txn := &Transaction{
		Signature: signature,
		Slot:      result.Slot,
	}

	if result.BlockTime != nil {
		txn.BlockTime = result.BlockTime.Time()
	} else {
		txn.BlockTime = time.Time{}
	}

	if result.Meta != nil && result.Meta.Err != nil {
		errMsg := fmt.Sprintf("transaction failed: %v", result.Meta.Err)
		txn.Err = &errMsg
		return txn, nil
	}

	if result.Transaction == nil {
		return txn, nil
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	accountKeys := tx.Message.AccountKeys
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		if programID.Equals(solana.SystemProgramID) {
			if amount, from, to, err := parseSystemTransfer(instruction, accountKeys); err == nil {
				txn.Amount = amount
				if from != nil {
					s := from.String()
					txn.FromAddress = &s
				}
				if to != nil {
					s := to.String()
					txn.ToAddress = &s
				}
			}
		}

		if programID.Equals(MemoProgramIDSPL) || programID.Equals(MemoProgramIDLegacy) {
			if memo := parseMemo(instruction.Data); memo != "" {
				txn.Memo = &memo
			}
		}
	}

	return txn, nil
}

// parseSystemTransfer extracts the amount and both endpoints from a System Program Transfer instruction.
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (uint64, *solana.PublicKey, *solana.PublicKey, error) {
	// System Transfer instruction format:
	// [0..4]  = instruction type (u32, should be 2 for Transfer)
	// [4..12] = lamports (u64)
	if len(instruction.Data) < 12 {
		return 0, nil, nil, fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}

	instructionType := binary.LittleEndian.Uint32(instruction.Data[0:4])
	if instructionType != SystemProgramTransferInstruction {
		return 0, nil, nil, fmt.Errorf("not a transfer instruction: type %d", instructionType)
	}

	amount := binary.LittleEndian.Uint64(instruction.Data[4:12])

	// System Transfer accounts: [from, to]
	var from, to *solana.PublicKey
	if len(instruction.Accounts) >= 1 && int(instruction.Accounts[0]) < len(accountKeys) {
		addr := accountKeys[instruction.Accounts[0]]
		from = &addr
	}
	if len(instruction.Accounts) >= 2 && int(instruction.Accounts[1]) < len(accountKeys) {
		addr := accountKeys[instruction.Accounts[1]]
		to = &addr
	}

	return amount, from, to, nil
}

// parseMemo returns the memo text, or "" if it is not printable UTF-8.
func parseMemo(data []byte) string {
	if !utf8.Valid(data) {
		return ""
	}
	for _, c := range data {
		if c == 0 {
			return ""
		}
	}
	return string(data)
}
