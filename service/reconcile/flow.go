package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/planwallet/client"
	"github.com/brojonat/planwallet/service/db"
	natspkg "github.com/brojonat/planwallet/service/nats"
	"github.com/brojonat/planwallet/service/plan"
	"github.com/brojonat/planwallet/service/solana"
	"github.com/brojonat/planwallet/service/wallet"
)

// flow is one serialized plan selection, registration retry or resolution.
type flow struct {
	e       *Engine
	address string
	sel     plan.Selection
	signer  wallet.Provider
	record  *db.Payment
	payment *PaymentView
}

// SelectPlan runs the whole flow for planType and waits for it to finish.
// Free plans are registered directly. Paid plans are registered only after
// the payment is Confirmed. The flow runs detached from ctx cancellation so
// a broadcast payment is always followed through.
func (e *Engine) SelectPlan(ctx context.Context, planType plan.Type) (*FlowResult, error) {
	f, err := e.begin(ctx, planType)
	if err != nil {
		return nil, err
	}
	return f.run(context.WithoutCancel(ctx))
}

// StartPlan begins the flow for planType in the background and returns once
// it has been accepted. Progress is visible through Snapshot and flow events.
func (e *Engine) StartPlan(ctx context.Context, planType plan.Type) error {
	f, err := e.begin(ctx, planType)
	if err != nil {
		return err
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		if _, err := f.run(detached); err != nil {
			e.logger.WarnContext(detached, "plan selection failed",
				"address", f.address,
				"plan", f.sel.Type,
				"stage", StageOf(err),
				"error", err,
			)
		}
	}()
	return nil
}

// RetryRegistration re-sends the last registration that failed because the
// ledger was unavailable. Rejections and successes are never retried.
func (e *Engine) RetryRegistration(ctx context.Context) (*FlowResult, error) {
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
	pr := e.pendingReg
	if pr == nil || pr.address != e.session.Address {
		e.mu.Unlock()
		return nil, stageErr(StageRegister, ErrNothingToRetry)
	}
	sel, err := plan.Select(pr.plan)
	if err != nil {
		e.mu.Unlock()
		return nil, stageErr(StageRegister, err)
	}
	e.flowBusy = true
	e.pendingReg = nil
	e.lastErr = ""
	e.mu.Unlock()
	defer e.endFlow()

	f := &flow{e: e, address: pr.address, sel: sel, record: pr.record, payment: pr.payment}
	return f.register(context.WithoutCancel(ctx))
}

// begin validates the selection, confirms the session with the provider and
// claims the flow slot. Plan validation happens before any I/O.
func (e *Engine) begin(ctx context.Context, planType plan.Type) (*flow, error) {
	sel, err := plan.Select(planType)
	if err != nil {
		return nil, stageErr(StageBuild, err)
	}

	e.checkSession(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, stageErr(StageConnect, ErrNotConnected)
	}
	if e.flowBusy {
		return nil, ErrFlowInProgress
	}
	if !sel.IsFree() && len(e.unresolved) > 0 {
		return nil, stageErr(StageBuild, ErrPaymentUnresolved)
	}

	e.flowBusy = true
	e.payment = nil
	e.pendingReg = nil
	e.message = ""
	e.lastErr = ""
	if sel.IsFree() {
		e.flow = FlowRegistering
	} else {
		e.flow = FlowBuilding
	}

	return &flow{
		e:       e,
		address: e.session.Address,
		sel:     sel,
		signer:  e.provider,
	}, nil
}

func (e *Engine) endFlow() {
	e.mu.Lock()
	e.flowBusy = false
	e.mu.Unlock()
}

func (f *flow) run(ctx context.Context) (*FlowResult, error) {
	e := f.e
	defer e.endFlow()

	e.logger.InfoContext(ctx, "plan selected", "address", f.address, "plan", f.sel.Type, "lamports", f.sel.PriceLamports)

	if f.sel.IsFree() {
		return f.register(ctx)
	}

	p := solana.NewPendingPayment(f.address, f.sel)
	f.record = newRecord(p, e.network)

	err := e.payments.Run(ctx, p, f.signer, func(p *solana.PendingPayment) {
		f.observe(ctx, p)
	})
	f.payment = paymentView(p)
	if err != nil {
		stage := StageSubmit
		var perr *solana.PaymentError
		if errors.As(err, &perr) {
			stage = Stage(perr.Stage)
			err = perr.Err
		}

		e.mu.Lock()
		if e.sessionMatchesLocked(f.address) {
			e.flow = FlowFailed
			e.lastErr = err.Error()
		}
		e.mu.Unlock()

		if p.ChainStateUnknown() {
			e.logger.WarnContext(ctx, "payment outcome unknown, resolve before paying again",
				"payment_id", p.ID,
				"signature", p.Signature,
			)
			e.reloadUnresolved(ctx, f.address)
		}
		e.recordFlow("payment", "failed_"+string(stage))
		return &FlowResult{Plan: string(f.sel.Type), Payment: f.payment}, stageErr(stage, err)
	}

	e.recordFlow("payment", "confirmed")
	return f.register(ctx)
}

// observe journals and publishes every payment transition and mirrors it
// into the view while the paying address is still connected.
func (f *flow) observe(ctx context.Context, p *solana.PendingPayment) {
	e := f.e
	applyPayment(f.record, p)
	e.saveRecord(ctx, f.record)
	e.publish(ctx, natspkg.FromPendingPayment(p))

	view := paymentView(p)
	e.mu.Lock()
	if e.sessionMatchesLocked(f.address) {
		e.payment = view
		e.flow = FlowStatus(p.Status)
	}
	e.mu.Unlock()
}

// register makes the single registration attempt for this flow.
func (f *flow) register(ctx context.Context) (*FlowResult, error) {
	e := f.e
	paid := !f.sel.IsFree()

	e.mu.Lock()
	if e.sessionMatchesLocked(f.address) {
		e.flow = FlowRegistering
	}
	e.mu.Unlock()

	start := time.Now()
	msg, err := e.ledger.RegisterSubscription(ctx, f.address, f.sel.Type)
	e.recordLedger("register", start, err)

	result := &FlowResult{Plan: string(f.sel.Type), Payment: f.payment, Message: msg}
	if err != nil {
		return result, f.registrationFailed(ctx, result, err)
	}

	f.markRegistration(ctx, db.RegistrationRegistered, msg)

	e.mu.Lock()
	if e.pendingReg != nil && f.same(e.pendingReg) {
		e.pendingReg = nil
	}
	if e.sessionMatchesLocked(f.address) {
		e.flow = FlowRegistered
		e.message = msg
		e.plan = nil
	}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "subscription registered", "address", f.address, "plan", f.sel.Type, "paid", paid)
	e.publish(ctx, &natspkg.FlowEvent{
		Kind:    natspkg.KindRegistration,
		Address: f.address,
		Plan:    string(f.sel.Type),
		Status:  "registered",
		Message: msg,
	})
	e.recordFlow("register", "success")

	if paid {
		e.reloadUnresolved(ctx, f.address)
	}
	if err := e.loadHistory(ctx, f.address); err != nil {
		e.addWarning(f.address, err.Error())
	} else {
		result.Refreshed = true
	}
	return result, nil
}

func (f *flow) registrationFailed(ctx context.Context, result *FlowResult, err error) error {
	e := f.e
	paid := !f.sel.IsFree()
	retryable := errors.Is(err, client.ErrLedgerUnavailable)

	state := db.RegistrationRejected
	if retryable {
		state = db.RegistrationUnavailable
	}
	f.markRegistration(ctx, state, err.Error())

	var rejected *client.RejectedError
	if errors.As(err, &rejected) {
		result.Message = rejected.Message
	}

	surfaced := err
	if paid {
		surfaced = fmt.Errorf("%w: %w", ErrRegistrationPending, err)
	}

	e.mu.Lock()
	if e.sessionMatchesLocked(f.address) {
		if retryable {
			e.pendingReg = &pendingRegistration{
				address: f.address,
				plan:    f.sel.Type,
				paid:    paid,
				record:  f.record,
				payment: f.payment,
			}
		}
		if paid {
			e.flow = FlowRegistrationPending
		} else {
			e.flow = FlowFailed
		}
		e.message = result.Message
		e.lastErr = surfaced.Error()
	}
	e.mu.Unlock()

	e.logger.ErrorContext(ctx, "subscription registration failed",
		"address", f.address,
		"plan", f.sel.Type,
		"paid", paid,
		"retryable", retryable,
		"error", err,
	)
	e.publish(ctx, &natspkg.FlowEvent{
		Kind:    natspkg.KindRegistration,
		Address: f.address,
		Plan:    string(f.sel.Type),
		Status:  string(state),
		Message: result.Message,
		Error:   surfaced.Error(),
	})
	e.recordFlow("register", state)

	if paid {
		e.reloadUnresolved(ctx, f.address)
	}
	return stageErr(StageRegister, surfaced)
}

// same reports whether pr waits on the registration this flow just made.
func (f *flow) same(pr *pendingRegistration) bool {
	if pr.address != f.address {
		return false
	}
	if pr.record != nil && f.record != nil {
		return pr.record.ID == f.record.ID
	}
	return pr.record == nil && f.record == nil && pr.plan == f.sel.Type
}

func (f *flow) markRegistration(ctx context.Context, state, msg string) {
	if f.record == nil {
		return
	}
	f.record.Registration = state
	f.record.RegistrationMessage = &msg
	f.e.saveRecord(ctx, f.record)
}
