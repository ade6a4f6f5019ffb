package reconcile

import (
	"context"

	"github.com/brojonat/planwallet/service/db"
	"github.com/brojonat/planwallet/service/solana"
)

func newRecord(p *solana.PendingPayment, network string) *db.Payment {
	return &db.Payment{
		ID:            p.ID,
		Address:       p.Payer,
		Network:       network,
		PlanType:      string(p.Selection.Type),
		PriceLamports: int64(p.Selection.PriceLamports),
		Status:        string(p.Status),
		Registration:  db.RegistrationNone,
		CreatedAt:     p.StartedAt,
	}
}

// applyPayment copies the mutable payment fields onto the journal record.
func applyPayment(rec *db.Payment, p *solana.PendingPayment) {
	rec.Blockhash = p.Blockhash
	rec.Status = string(p.Status)
	rec.Attempts = int32(p.Attempts)
	rec.ChainUnknown = p.ChainStateUnknown()
	if p.Signature != nil {
		sig := *p.Signature
		rec.Signature = &sig
	}
	if p.Status == solana.StatusFailed {
		stage := string(p.FailedStage)
		rec.FailureStage = &stage
		if p.Err != nil {
			reason := p.Err.Error()
			rec.FailureReason = &reason
		}
	}
}

func (e *Engine) saveRecord(ctx context.Context, rec *db.Payment) {
	if rec == nil {
		return
	}
	if err := e.journal.SavePayment(ctx, rec); err != nil {
		e.logger.ErrorContext(ctx, "failed to journal payment",
			"payment_id", rec.ID,
			"status", rec.Status,
			"registration", rec.Registration,
			"error", err,
		)
	}
}

func recordView(rec *db.Payment) *PaymentView {
	v := &PaymentView{
		ID:           rec.ID,
		Plan:         rec.PlanType,
		Lamports:     uint64(rec.PriceLamports),
		Status:       rec.Status,
		Attempts:     int(rec.Attempts),
		ChainUnknown: rec.ChainUnknown,
	}
	if rec.Signature != nil {
		sig := *rec.Signature
		v.Signature = &sig
	}
	if rec.FailureStage != nil {
		v.Stage = *rec.FailureStage
	}
	if rec.FailureReason != nil {
		v.Error = *rec.FailureReason
	}
	return v
}
