package solana

import (
	"time"
)

// Transaction represents a parsed Solana payment transaction.
// This is our domain model, independent of the RPC response format.
type Transaction struct {
	Signature   string
	Slot        uint64
	BlockTime   time.Time
	Amount      uint64  // lamports moved by the system transfer
	FromAddress *string // source wallet (sender), nil if cannot be determined
	ToAddress   *string // destination wallet, nil if cannot be determined
	Memo        *string // parsed from the memo instruction
	Err         *string // nil if transaction succeeded, contains error message if failed
}

// Outcome is what the chain currently says about a broadcast signature.
type Outcome string

const (
	// OutcomeUnknown means the signature is not (yet) visible at the wanted commitment.
	OutcomeUnknown Outcome = "unknown"
	// OutcomeConfirmed means the transaction landed without error.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeFailed means the transaction landed but its execution failed.
	OutcomeFailed Outcome = "failed"
)
