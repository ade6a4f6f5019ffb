package reconcile

import (
	"github.com/brojonat/planwallet/client"
	"github.com/brojonat/planwallet/service/solana"
	"github.com/brojonat/planwallet/service/wallet"
)

// FlowStatus is the progress of the current plan selection, for display.
type FlowStatus string

const (
	FlowIdle                FlowStatus = "idle"
	FlowBuilding            FlowStatus = "building"
	FlowAwaitingSignature   FlowStatus = "awaiting_signature"
	FlowSubmitted           FlowStatus = "submitted"
	FlowConfirmed           FlowStatus = "confirmed"
	FlowRegistering         FlowStatus = "registering"
	FlowRegistered          FlowStatus = "registered"
	FlowRegistrationPending FlowStatus = "registration_pending"
	FlowFailed              FlowStatus = "failed"
)

// Session is the engine-owned wallet session.
type Session struct {
	Address   string      `json:"address"`
	Provider  wallet.Kind `json:"provider"`
	Connected bool        `json:"connected"`
}

// PaymentView is a read-only copy of the latest payment attempt.
type PaymentView struct {
	ID           string  `json:"id"`
	Plan         string  `json:"plan"`
	Lamports     uint64  `json:"lamports"`
	Status       string  `json:"status"`
	Signature    *string `json:"signature,omitempty"`
	Attempts     int     `json:"attempts"`
	Stage        string  `json:"stage,omitempty"`
	Error        string  `json:"error,omitempty"`
	ChainUnknown bool    `json:"chain_unknown"`
}

func paymentView(p *solana.PendingPayment) *PaymentView {
	v := &PaymentView{
		ID:           p.ID,
		Plan:         string(p.Selection.Type),
		Lamports:     p.Selection.PriceLamports,
		Status:       string(p.Status),
		Attempts:     p.Attempts,
		ChainUnknown: p.ChainStateUnknown(),
	}
	if p.Signature != nil {
		sig := *p.Signature
		v.Signature = &sig
	}
	if p.Status == solana.StatusFailed {
		v.Stage = string(p.FailedStage)
		if p.Err != nil {
			v.Error = p.Err.Error()
		}
	}
	return v
}

// View is everything the UI renders. Session is nil when disconnected and
// Plan is nil when the address has no active plan.
type View struct {
	Session             *Session                   `json:"session"`
	Plan                *client.SubscriptionRecord `json:"plan"`
	Transactions        []client.TransactionEntry  `json:"transactions"`
	Flow                FlowStatus                 `json:"flow"`
	Payment             *PaymentView               `json:"payment,omitempty"`
	Message             string                     `json:"message,omitempty"`
	Error               string                     `json:"error,omitempty"`
	Warnings            []string                   `json:"warnings,omitempty"`
	RegistrationPending bool                       `json:"registration_pending"`
	UnresolvedPayments  int                        `json:"unresolved_payments"`
}

// FlowResult is what a finished plan selection or registration retry produced.
type FlowResult struct {
	Plan      string       `json:"plan"`
	Payment   *PaymentView `json:"payment,omitempty"`
	Message   string       `json:"message"`
	Refreshed bool         `json:"refreshed"`
}

// dedupe drops repeated hashes, keeping the first occurrence and the received order.
func dedupe(entries []client.TransactionEntry) []client.TransactionEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]client.TransactionEntry, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Hash]; ok {
			continue
		}
		seen[e.Hash] = struct{}{}
		out = append(out, e)
	}
	return out
}
