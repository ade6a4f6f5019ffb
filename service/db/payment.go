package db

import (
	"context"
	"errors"
	"time"
)

// ErrPaymentNotFound is returned when no journal entry has the requested ID.
var ErrPaymentNotFound = errors.New("payment not found")

// Registration states of a payment in the journal.
const (
	RegistrationNone        = "none"        // not attempted yet
	RegistrationRegistered  = "registered"  // ledger accepted it
	RegistrationRejected    = "rejected"    // ledger refused it, terminal
	RegistrationUnavailable = "unavailable" // ledger was down, user may retry
)

// Payment statuses that the journal reasons about.
const (
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Payment is one journaled paid-plan attempt. It is written at every state
// transition so an attempt abandoned mid-flight can be recovered later.
type Payment struct {
	ID                  string
	Address             string
	Network             string
	PlanType            string
	PriceLamports       int64
	Blockhash           string
	Signature           *string
	Status              string
	Attempts            int32
	FailureStage        *string
	FailureReason       *string
	ChainUnknown        bool
	Registration        string
	RegistrationMessage *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Unresolved reports whether the attempt may still have charged the payer
// without the ledger knowing about it.
func (p *Payment) Unresolved() bool {
	switch p.Status {
	case StatusSubmitted:
		return true
	case StatusFailed:
		return p.ChainUnknown
	case StatusConfirmed:
		return p.Registration == RegistrationNone || p.Registration == RegistrationUnavailable
	}
	return false
}

// Journal persists payment attempts.
type Journal interface {
	SavePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	ListPayments(ctx context.Context, address, network string, limit int32) ([]*Payment, error)
	ListUnresolved(ctx context.Context, address, network string) ([]*Payment, error)
}
