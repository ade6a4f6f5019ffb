package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/planwallet/service/db"
	"github.com/brojonat/planwallet/service/plan"
	"github.com/brojonat/planwallet/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// Resolution is what ResolvePending concluded about one journaled payment.
type Resolution string

const (
	ResolutionRegistered         Resolution = "registered"
	ResolutionRegistrationFailed Resolution = "registration_failed"
	ResolutionFailed             Resolution = "failed"
	ResolutionExpired            Resolution = "expired"
	ResolutionUnknown            Resolution = "unknown"
)

// ResolvedPayment reports the outcome of re-querying one payment.
type ResolvedPayment struct {
	PaymentID  string     `json:"payment_id"`
	Plan       string     `json:"plan"`
	Signature  string     `json:"signature,omitempty"`
	Resolution Resolution `json:"resolution"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ResolvePending re-queries the chain for every unresolved payment of the
// connected address. A payment found final and matching its plan is
// registered once; one that failed or expired is closed; anything else stays
// unresolved and keeps blocking new paid selections.
func (e *Engine) ResolvePending(ctx context.Context) ([]ResolvedPayment, error) {
	e.checkSession(ctx)

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return nil, stageErr(StageConnect, ErrNotConnected)
	}
	if e.flowBusy {
		e.mu.Unlock()
		return nil, ErrFlowInProgress
	}
	address := e.session.Address
	e.flowBusy = true
	e.mu.Unlock()
	defer e.endFlow()

	ctx = context.WithoutCancel(ctx)
	records, err := e.journal.ListUnresolved(ctx, address, e.network)
	if err != nil {
		return nil, stageErr(StageConfirm, fmt.Errorf("load payment journal: %w", err))
	}

	out := make([]ResolvedPayment, 0, len(records))
	for _, rec := range records {
		res := e.resolveOne(ctx, rec)
		e.logger.InfoContext(ctx, "payment resolved",
			"payment_id", rec.ID,
			"resolution", res.Resolution,
			"error", res.Error,
		)
		out = append(out, res)
	}

	e.reloadUnresolved(ctx, address)
	if err := e.loadHistory(ctx, address); err != nil {
		e.addWarning(address, err.Error())
	}
	return out, nil
}

func (e *Engine) resolveOne(ctx context.Context, rec *db.Payment) ResolvedPayment {
	res := ResolvedPayment{PaymentID: rec.ID, Plan: rec.PlanType, Resolution: ResolutionUnknown}
	if rec.Signature != nil {
		res.Signature = *rec.Signature
	}

	sel, err := plan.Select(plan.Type(rec.PlanType))
	if err != nil {
		e.closeRecord(ctx, rec, fmt.Sprintf("unknown plan %q", rec.PlanType))
		res.Resolution = ResolutionFailed
		res.Error = err.Error()
		return res
	}
	f := &flow{e: e, address: rec.Address, sel: sel, record: rec}

	if rec.Status == db.StatusConfirmed {
		return f.resolveRegistration(ctx, res)
	}

	if rec.Signature == nil {
		e.closeRecord(ctx, rec, "never broadcast")
		res.Resolution = ResolutionFailed
		return res
	}
	sig, err := solanago.SignatureFromBase58(*rec.Signature)
	if err != nil {
		e.closeRecord(ctx, rec, "malformed signature")
		res.Resolution = ResolutionFailed
		res.Error = err.Error()
		return res
	}

	outcome, err := e.chain.Outcome(ctx, sig)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	switch outcome {
	case solana.OutcomeConfirmed:
		txn, err := e.chain.FetchTransaction(ctx, sig)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if txn == nil {
			return res
		}
		payer, err := solanago.PublicKeyFromBase58(rec.Address)
		if err == nil {
			err = solana.VerifyPayment(txn, payer, e.recipient, sel)
		}
		if err != nil {
			e.closeRecord(ctx, rec, "verification failed: "+err.Error())
			res.Resolution = ResolutionFailed
			res.Error = err.Error()
			return res
		}

		rec.Status = db.StatusConfirmed
		rec.ChainUnknown = false
		rec.FailureStage = nil
		rec.FailureReason = nil
		e.saveRecord(ctx, rec)
		f.payment = recordView(rec)
		return f.resolveRegistration(ctx, res)

	case solana.OutcomeFailed:
		e.closeRecord(ctx, rec, "transaction failed on chain")
		res.Resolution = ResolutionFailed
		return res

	default:
		if time.Since(rec.UpdatedAt) > e.expiry {
			e.closeRecord(ctx, rec, "expired without landing")
			res.Resolution = ResolutionExpired
		}
		return res
	}
}

// resolveRegistration makes the registration attempt for a payment known to
// be confirmed on chain.
func (f *flow) resolveRegistration(ctx context.Context, res ResolvedPayment) ResolvedPayment {
	if f.payment == nil {
		f.payment = recordView(f.record)
	}
	result, err := f.register(ctx)
	if result != nil {
		res.Message = result.Message
	}
	if err != nil {
		res.Resolution = ResolutionRegistrationFailed
		res.Error = err.Error()
		return res
	}
	res.Resolution = ResolutionRegistered
	return res
}

// closeRecord marks a payment as definitively not charged.
func (e *Engine) closeRecord(ctx context.Context, rec *db.Payment, reason string) {
	stage := string(StageConfirm)
	rec.Status = db.StatusFailed
	rec.ChainUnknown = false
	rec.FailureStage = &stage
	rec.FailureReason = &reason
	e.saveRecord(ctx, rec)
}
