package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/planwallet/service/plan"
	"github.com/brojonat/planwallet/service/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPendingPayment(t *testing.T) {
	sel, err := plan.Select(plan.Yearly)
	require.NoError(t, err)
	p := solana.NewPendingPayment("payer-address", sel)

	event := FromPendingPayment(p)
	assert.Equal(t, KindPayment, event.Kind)
	assert.Equal(t, "payer-address", event.Address)
	assert.Equal(t, "flows.payer-address", event.Subject())
	assert.Equal(t, "yearly", event.Plan)
	assert.Equal(t, "building", event.Status)
	assert.Empty(t, event.Stage)

	p.Status = solana.StatusFailed
	p.FailedStage = solana.StageSign
	p.Err = errors.New("user rejected the request")

	event = FromPendingPayment(p)
	assert.Equal(t, "sign", event.Stage)
	assert.Equal(t, "user rejected the request", event.Error)
}

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()
	ctx := context.Background()

	require.NoError(t, m.PublishFlowEvent(ctx, &FlowEvent{Kind: KindSession, Address: "a"}))
	require.NoError(t, m.PublishFlowEvent(ctx, &FlowEvent{Kind: KindView, Address: "a"}))
	assert.Len(t, m.Events(), 2)
	assert.Len(t, m.EventsOfKind(KindView), 1)

	m.SetPublishError(errors.New("down"))
	assert.Error(t, m.PublishFlowEvent(ctx, &FlowEvent{Kind: KindView, Address: "a"}))

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
}
