package solana

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/planwallet/service/plan"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChain scripts broadcast results and confirmation outcomes.
type fakeChain struct {
	mu            sync.Mutex
	broadcastErrs []error // consumed per broadcast, nil once exhausted
	broadcasts    []*solana.Transaction
	outcome       Outcome
	outcomeErr    error
	polls         int
}

func (c *fakeChain) Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, tx)
	if len(c.broadcastErrs) > 0 {
		err := c.broadcastErrs[0]
		c.broadcastErrs = c.broadcastErrs[1:]
		if err != nil {
			return solana.Signature{}, err
		}
	}
	return tx.Signatures[0], nil
}

func (c *fakeChain) Outcome(ctx context.Context, sig solana.Signature) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if c.outcomeErr != nil {
		return OutcomeUnknown, c.outcomeErr
	}
	return c.outcome, nil
}

// keySigner signs as the wallet would, or fails with err.
type keySigner struct {
	t     *testing.T
	key   solana.PrivateKey
	err   error
	calls int
}

func (s *keySigner) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	signWith(s.t, tx, s.key)
	return tx, nil
}

type submitterFixture struct {
	submitter *Submitter
	chain     *fakeChain
	signer    *keySigner
	source    *seqBlockhashes
	payment   *PendingPayment
	statuses  []Status
}

func newSubmitterFixture(t *testing.T, planType plan.Type) *submitterFixture {
	t.Helper()
	key := newKey(t)
	sel, err := plan.Select(planType)
	require.NoError(t, err)

	f := &submitterFixture{
		chain:  &fakeChain{outcome: OutcomeConfirmed},
		signer: &keySigner{t: t, key: key},
		source: &seqBlockhashes{},
	}
	builder := NewBuilder(f.source, newKey(t).PublicKey(), discardLogger())
	f.submitter = NewSubmitter(builder, f.chain, SubmitterConfig{
		ConfirmationTimeout: 100 * time.Millisecond,
		PollInterval:        time.Millisecond,
		MaxPollInterval:     5 * time.Millisecond,
	}, nil, discardLogger())
	f.payment = NewPendingPayment(key.PublicKey().String(), sel)
	return f
}

func (f *submitterFixture) run(ctx context.Context) error {
	return f.submitter.Run(ctx, f.payment, f.signer, func(p *PendingPayment) {
		f.statuses = append(f.statuses, p.Status)
	})
}

func TestSubmitter_HappyPath(t *testing.T) {
	f := newSubmitterFixture(t, plan.ThreeMonths)

	require.NoError(t, f.run(context.Background()))

	assert.Equal(t, []Status{StatusBuilding, StatusAwaitingSignature, StatusSubmitted, StatusConfirmed}, f.statuses)
	assert.Equal(t, StatusConfirmed, f.payment.Status)
	assert.Equal(t, 1, f.payment.Attempts)
	require.NotNil(t, f.payment.Signature)
	assert.Equal(t, f.chain.broadcasts[0].Signatures[0].String(), *f.payment.Signature)
	assert.Equal(t, testHash(1).String(), f.payment.Blockhash)
}

func TestSubmitter_StaleReferenceResubmitsOnce(t *testing.T) {
	f := newSubmitterFixture(t, plan.Yearly)
	f.chain.broadcastErrs = []error{ErrStaleReference}

	require.NoError(t, f.run(context.Background()))

	assert.Equal(t, []Status{
		StatusBuilding, StatusAwaitingSignature, StatusSubmitted, StatusSubmitted, StatusConfirmed,
	}, f.statuses)
	assert.Equal(t, 2, f.payment.Attempts)
	assert.Equal(t, 2, f.signer.calls, "rebuilt transaction must be re-signed")
	assert.Equal(t, 2, f.source.calls, "a fresh blockhash is fetched for the retry")
	assert.Equal(t, testHash(2).String(), f.payment.Blockhash)
	require.Len(t, f.chain.broadcasts, 2)
	assert.Equal(t, f.chain.broadcasts[1].Signatures[0].String(), *f.payment.Signature)
}

func TestSubmitter_StaleReferenceTwiceFails(t *testing.T) {
	f := newSubmitterFixture(t, plan.Yearly)
	f.chain.broadcastErrs = []error{ErrStaleReference, ErrStaleReference}

	err := f.run(context.Background())
	require.Error(t, err)

	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageSubmit, perr.Stage)
	assert.ErrorIs(t, err, ErrSubmit)
	assert.Equal(t, StatusFailed, f.payment.Status)
	assert.Len(t, f.chain.broadcasts, 2, "only one resubmission is allowed")
	assert.Zero(t, f.chain.polls)
}

func TestSubmitter_BroadcastFault(t *testing.T) {
	f := newSubmitterFixture(t, plan.ThreeMonths)
	f.chain.broadcastErrs = []error{ErrSubmit}

	err := f.run(context.Background())

	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageSubmit, perr.Stage)
	assert.Equal(t, StageSubmit, f.payment.FailedStage)
	require.NotNil(t, f.payment.Signature, "signature is recorded before broadcast")
	assert.False(t, f.payment.ChainStateUnknown())
}

func TestSubmitter_LostBroadcastReplyLeavesChainStateUnknown(t *testing.T) {
	f := newSubmitterFixture(t, plan.ThreeMonths)
	f.chain.broadcastErrs = []error{
		fmt.Errorf("%w: %w: context deadline exceeded", ErrSubmit, ErrBroadcastUnknown),
	}

	err := f.run(context.Background())

	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageSubmit, perr.Stage)
	assert.ErrorIs(t, err, ErrSubmit)
	assert.Equal(t, StatusFailed, f.payment.Status)
	require.NotNil(t, f.payment.Signature)
	assert.True(t, f.payment.ChainStateUnknown())
	assert.Len(t, f.chain.broadcasts, 1, "an ambiguous broadcast is never resent")
}

func TestSubmitter_UserRejectsSignature(t *testing.T) {
	f := newSubmitterFixture(t, plan.ThreeMonths)
	rejected := errors.New("user rejected the request")
	f.signer.err = rejected

	err := f.run(context.Background())

	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageSign, perr.Stage)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, []Status{StatusBuilding, StatusAwaitingSignature, StatusFailed}, f.statuses)
	assert.Empty(t, f.chain.broadcasts, "nothing is broadcast after a rejection")
	assert.Nil(t, f.payment.Signature)
}

func TestSubmitter_BuildFailure(t *testing.T) {
	f := newSubmitterFixture(t, plan.ThreeMonths)
	f.source.err = ErrStaleReference

	err := f.run(context.Background())

	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageBuild, perr.Stage)
	assert.Equal(t, []Status{StatusBuilding, StatusFailed}, f.statuses)
	assert.Zero(t, f.signer.calls)
}

func TestSubmitter_FailedOnChain(t *testing.T) {
	f := newSubmitterFixture(t, plan.ThreeMonths)
	f.chain.outcome = OutcomeFailed

	err := f.run(context.Background())

	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageConfirm, perr.Stage)
	assert.ErrorIs(t, err, ErrSubmit)
	assert.False(t, f.payment.ChainStateUnknown())
}

func TestSubmitter_ConfirmationTimeout(t *testing.T) {
	f := newSubmitterFixture(t, plan.ThreeMonths)
	f.chain.outcome = OutcomeUnknown

	err := f.run(context.Background())

	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.Equal(t, StatusFailed, f.payment.Status)
	assert.True(t, f.payment.ChainStateUnknown())
	assert.Greater(t, f.chain.polls, 1, "confirmation is polled repeatedly")
}

func TestSubmitter_PollErrorsAreRetried(t *testing.T) {
	f := newSubmitterFixture(t, plan.ThreeMonths)
	f.chain.outcomeErr = errors.New("429 Too Many Requests")

	err := f.run(context.Background())
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.True(t, f.payment.ChainStateUnknown())
}

func TestSubmitter_CancelDuringConfirmation(t *testing.T) {
	f := newSubmitterFixture(t, plan.ThreeMonths)
	f.chain.outcome = OutcomeUnknown
	f.submitter.cfg.ConfirmationTimeout = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := f.run(ctx)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.True(t, f.payment.ChainStateUnknown())
}

func TestSubmitter_FreePlanNeverStarts(t *testing.T) {
	f := newSubmitterFixture(t, plan.FreeTrial)

	err := f.run(context.Background())

	assert.ErrorIs(t, err, ErrNoPaymentRequired)
	assert.Empty(t, f.statuses)
	assert.Zero(t, f.source.calls)
}

func TestSubmitter_RejectsRestart(t *testing.T) {
	f := newSubmitterFixture(t, plan.ThreeMonths)
	require.NoError(t, f.run(context.Background()))

	err := f.run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusConfirmed, f.payment.Status)
}

func TestPendingPayment_Transitions(t *testing.T) {
	p := NewPendingPayment("payer", plan.Selection{Type: plan.Yearly, PriceLamports: 1})
	assert.NotEmpty(t, p.ID)

	assert.Error(t, p.transition(StatusConfirmed), "cannot skip straight to confirmed")
	require.NoError(t, p.transition(StatusAwaitingSignature))
	assert.Error(t, p.transition(StatusBuilding), "states never move backwards")
	require.NoError(t, p.transition(StatusSubmitted))
	require.NoError(t, p.transition(StatusConfirmed))
	assert.True(t, p.Status.Terminal())
	assert.Error(t, p.transition(StatusFailed), "terminal states are final")
}
