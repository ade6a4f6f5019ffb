package reconcile

import (
	"errors"
	"fmt"
)

// Stage names the step of a user flow that failed.
type Stage string

const (
	StageConnect  Stage = "connect"
	StageBuild    Stage = "build"
	StageSign     Stage = "sign"
	StageSubmit   Stage = "submit"
	StageConfirm  Stage = "confirm"
	StageRegister Stage = "register"
	StageHistory  Stage = "history"
)

var (
	// ErrNotConnected means the operation needs a wallet session.
	ErrNotConnected = errors.New("no wallet connected")

	// ErrSessionActive means a session exists and must be disconnected before
	// another provider or address can be connected.
	ErrSessionActive = errors.New("wallet session already active, disconnect first")

	// ErrFlowInProgress rejects a plan selection while another is running.
	ErrFlowInProgress = errors.New("a plan selection is already in progress")

	// ErrRegistrationPending means the on-chain payment succeeded but the ledger
	// did not record the subscription.
	ErrRegistrationPending = errors.New("payment succeeded, subscription pending")

	// ErrPaymentUnresolved refuses a new paid selection while an earlier charge
	// for the same address may have landed without being registered.
	ErrPaymentUnresolved = errors.New("an earlier payment is unresolved, resolve it before paying again")

	// ErrNothingToRetry means there is no registration waiting on a ledger outage.
	ErrNothingToRetry = errors.New("no registration to retry")
)

// StageError attributes a user-visible failure to the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage recorded in err, or "" if err carries none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}
