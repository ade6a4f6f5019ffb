package nats

import (
	"time"

	"github.com/brojonat/planwallet/service/solana"
)

// Event kinds published on the flows stream.
const (
	KindSession      = "session"
	KindPayment      = "payment"
	KindRegistration = "registration"
	KindView         = "view"
)

// FlowEvent is one observable change in a user's flow.
// It is published to the subject "flows.{address}" in JetStream.
type FlowEvent struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`

	// Payment fields, set for KindPayment.
	PaymentID string  `json:"payment_id,omitempty"`
	Plan      string  `json:"plan,omitempty"`
	Status    string  `json:"status,omitempty"`
	Stage     string  `json:"stage,omitempty"`
	Signature *string `json:"signature,omitempty"`
	Attempts  int     `json:"attempts,omitempty"`

	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	OccurredAt  time.Time `json:"occurred_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published on.
func (e *FlowEvent) Subject() string {
	return SubjectPrefix + e.Address
}

// FromPendingPayment converts a payment state change to a FlowEvent.
func FromPendingPayment(p *solana.PendingPayment) *FlowEvent {
	event := &FlowEvent{
		Kind:       KindPayment,
		Address:    p.Payer,
		PaymentID:  p.ID,
		Plan:       string(p.Selection.Type),
		Status:     string(p.Status),
		Signature:  p.Signature,
		Attempts:   p.Attempts,
		OccurredAt: p.UpdatedAt,
	}
	if p.Status == solana.StatusFailed {
		event.Stage = string(p.FailedStage)
		if p.Err != nil {
			event.Error = p.Err.Error()
		}
	}
	return event
}
