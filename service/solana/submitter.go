package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/planwallet/service/metrics"
	"github.com/brojonat/planwallet/service/plan"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Status is the position of a payment attempt in its state machine.
type Status string

const (
	StatusBuilding          Status = "building"
	StatusAwaitingSignature Status = "awaiting_signature"
	StatusSubmitted         Status = "submitted"
	StatusConfirmed         Status = "confirmed"
	StatusFailed            Status = "failed"
)

// transitions lists the allowed next states. Submitted -> Submitted is the
// single stale-reference resubmission; nothing else loops.
var transitions = map[Status][]Status{
	StatusBuilding:          {StatusAwaitingSignature, StatusFailed},
	StatusAwaitingSignature: {StatusSubmitted, StatusFailed},
	StatusSubmitted:         {StatusSubmitted, StatusConfirmed, StatusFailed},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Stage names the step of a payment that failed.
type Stage string

const (
	StageBuild   Stage = "build"
	StageSign    Stage = "sign"
	StageSubmit  Stage = "submit"
	StageConfirm Stage = "confirm"
)

// PaymentError attributes a payment failure to the stage that produced it.
type PaymentError struct {
	Stage Stage
	Err   error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// PendingPayment tracks one paid-plan attempt from building to a terminal state.
type PendingPayment struct {
	ID          string
	Payer       string
	Selection   plan.Selection
	Blockhash   string
	Signature   *string
	Status      Status
	Attempts    int // broadcasts performed, at most 2
	FailedStage Stage
	Err         error
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// NewPendingPayment starts an attempt in the Building state.
func NewPendingPayment(payer string, sel plan.Selection) *PendingPayment {
	now := time.Now().UTC()
	return &PendingPayment{
		ID:        uuid.NewString(),
		Payer:     payer,
		Selection: sel,
		Status:    StatusBuilding,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// ChainStateUnknown reports whether the attempt ended without knowing if the chain
// accepted it: finality was never observed, or the broadcast reply was lost.
// Such attempts must be re-queried before charging again.
func (p *PendingPayment) ChainStateUnknown() bool {
	if p.Status != StatusFailed {
		return false
	}
	return errors.Is(p.Err, ErrConfirmationTimeout) || errors.Is(p.Err, ErrBroadcastUnknown)
}

func (p *PendingPayment) transition(next Status) error {
	for _, allowed := range transitions[p.Status] {
		if allowed == next {
			p.Status = next
			p.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid payment transition %s -> %s", p.Status, next)
}

// Signer signs transactions on behalf of the fee payer. wallet.Provider satisfies it.
type Signer interface {
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// Chain is the broadcast and finality surface the submitter needs. *Client satisfies it.
type Chain interface {
	Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Outcome(ctx context.Context, sig solana.Signature) (Outcome, error)
}

// Observer is called after every state change of a payment.
type Observer func(p *PendingPayment)

// SubmitterConfig bounds confirmation polling.
type SubmitterConfig struct {
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	MaxPollInterval     time.Duration
}

// Submitter signs, broadcasts and confirms plan payments.
type Submitter struct {
	builder *Builder
	chain   Chain
	cfg     SubmitterConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSubmitter creates a Submitter. Zero config values fall back to conservative defaults.
func NewSubmitter(builder *Builder, chain Chain, cfg SubmitterConfig, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	return &Submitter{
		builder: builder,
		chain:   chain,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Run drives p from Building to Confirmed or Failed. The returned error is a
// *PaymentError naming the failed stage. Cancelling ctx during confirmation ends
// the attempt with ErrConfirmationTimeout since the chain state is then unknown.
func (s *Submitter) Run(ctx context.Context, p *PendingPayment, signer Signer, observe Observer) error {
	if p.Status != StatusBuilding {
		return fmt.Errorf("payment %s already started (status %s)", p.ID, p.Status)
	}
	if p.Selection.IsFree() {
		return &PaymentError{Stage: StageBuild, Err: fmt.Errorf("%w: %s", ErrNoPaymentRequired, p.Selection.Type)}
	}

	emit := func() {
		if s.metrics != nil {
			s.metrics.RecordPaymentTransition(string(p.Selection.Type), string(p.Status))
		}
		s.logger.InfoContext(ctx, "payment state changed",
			"payment_id", p.ID,
			"payer", p.Payer,
			"plan", p.Selection.Type,
			"status", p.Status,
			"attempts", p.Attempts,
		)
		if observe != nil {
			observe(p)
		}
	}
	emit()

	tx, err := s.builder.Build(ctx, p.Payer, p.Selection.Type)
	if err != nil {
		return s.fail(p, StageBuild, err, emit)
	}
	p.Blockhash = tx.Message.RecentBlockhash.String()

	if err := p.transition(StatusAwaitingSignature); err != nil {
		return err
	}
	emit()

	signed, err := signer.SignTransaction(ctx, tx)
	if err != nil {
		return s.fail(p, StageSign, err, emit)
	}

	sig, err := s.submit(ctx, p, signed, signer, emit)
	if err != nil {
		return err
	}
	return s.confirm(ctx, p, sig, emit)
}

// submit broadcasts the signed transaction, rebuilding and re-signing it once
// with a fresh blockhash if the first broadcast hit a stale reference.
func (s *Submitter) submit(ctx context.Context, p *PendingPayment, signed *solana.Transaction, signer Signer, emit func()) (solana.Signature, error) {
	sig, err := s.broadcast(ctx, p, signed, emit)
	if err == nil {
		return sig, nil
	}
	if !errors.Is(err, ErrStaleReference) {
		return solana.Signature{}, s.fail(p, StageSubmit, err, emit)
	}

	s.logger.WarnContext(ctx, "broadcast hit a stale blockhash, resubmitting once",
		"payment_id", p.ID,
		"blockhash", p.Blockhash,
	)
	if s.metrics != nil {
		s.metrics.RecordRPCRetry("SendTransaction", "stale_reference")
	}

	tx, err := s.builder.Build(ctx, p.Payer, p.Selection.Type)
	if err != nil {
		return solana.Signature{}, s.fail(p, StageSubmit, fmt.Errorf("%w: rebuild failed: %w", ErrSubmit, err), emit)
	}
	p.Blockhash = tx.Message.RecentBlockhash.String()

	resigned, err := signer.SignTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, s.fail(p, StageSign, err, emit)
	}

	sig, err = s.broadcast(ctx, p, resigned, emit)
	if err != nil {
		if errors.Is(err, ErrStaleReference) {
			err = fmt.Errorf("%w: resubmission exhausted: %w", ErrSubmit, err)
		}
		return solana.Signature{}, s.fail(p, StageSubmit, err, emit)
	}
	return sig, nil
}

// broadcast records the signature as Submitted before sending so a lost
// response can still be recovered by querying the signature.
func (s *Submitter) broadcast(ctx context.Context, p *PendingPayment, signed *solana.Transaction, emit func()) (solana.Signature, error) {
	if len(signed.Signatures) == 0 || signed.Signatures[0] == (solana.Signature{}) {
		return solana.Signature{}, fmt.Errorf("%w: transaction is not signed", ErrSubmit)
	}
	sig := signed.Signatures[0]
	sigStr := sig.String()
	p.Signature = &sigStr
	p.Attempts++
	if err := p.transition(StatusSubmitted); err != nil {
		return solana.Signature{}, err
	}
	emit()

	if _, err := s.chain.Broadcast(ctx, signed); err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

// confirm polls for finality with exponential backoff until the configured timeout.
func (s *Submitter) confirm(ctx context.Context, p *PendingPayment, sig solana.Signature, emit func()) error {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmationTimeout)
	defer cancel()

	interval := s.cfg.PollInterval
	for {
		outcome, err := s.chain.Outcome(cctx, sig)
		switch {
		case err != nil:
			s.logger.DebugContext(ctx, "confirmation poll failed",
				"payment_id", p.ID,
				"signature", sig.String(),
				"error", err,
			)
			if IsRateLimited(err) {
				interval = min(interval*2, s.cfg.MaxPollInterval)
			}
		case outcome == OutcomeConfirmed:
			if err := p.transition(StatusConfirmed); err != nil {
				return err
			}
			s.recordWait("confirmed", start)
			emit()
			return nil
		case outcome == OutcomeFailed:
			s.recordWait("failed", start)
			return s.fail(p, StageConfirm, fmt.Errorf("%w: transaction %s failed on chain", ErrSubmit, sig), emit)
		}

		timer := time.NewTimer(interval)
		select {
		case <-cctx.Done():
			timer.Stop()
			s.recordWait("timeout", start)
			return s.fail(p, StageConfirm,
				fmt.Errorf("%w: %s not final after %s", ErrConfirmationTimeout, sig, time.Since(start).Round(time.Millisecond)),
				emit)
		case <-timer.C:
		}
		interval = min(interval*2, s.cfg.MaxPollInterval)
	}
}

func (s *Submitter) fail(p *PendingPayment, stage Stage, err error, emit func()) error {
	p.FailedStage = stage
	p.Err = err
	if terr := p.transition(StatusFailed); terr != nil {
		return terr
	}
	emit()
	return &PaymentError{Stage: stage, Err: err}
}

func (s *Submitter) recordWait(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordConfirmationWait(outcome, time.Since(start).Seconds())
	}
}
