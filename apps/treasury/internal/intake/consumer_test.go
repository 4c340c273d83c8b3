package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/errs"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/payout"
)

type fakePayouts struct {
	calls  []payout.SubmitPayoutInput
	actors []model.Actor
	errs   []error
	seen   map[string]bool
}

func (f *fakePayouts) Submit(_ context.Context, actor model.Actor, in payout.SubmitPayoutInput) (*model.PayoutRequest, bool, error) {
	f.calls = append(f.calls, in)
	f.actors = append(f.actors, actor)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, false, err
		}
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	created := !f.seen[in.ExternalRef]
	f.seen[in.ExternalRef] = true
	return &model.PayoutRequest{ID: "payout-" + in.ExternalRef, RequesterID: in.RequesterID, Amount: in.Amount, Currency: in.Currency}, created, nil
}

func newTestConsumer(payouts PayoutSubmitter) *Consumer {
	c := newConsumer(nil, "payouts", payouts, zap.NewNop())
	c.retryInterval = time.Millisecond
	return c
}

const validEvent = `{
	"event_type": "payout_requested",
	"external_ref": "order-9",
	"requester_id": "merchant-1",
	"amount": "125.50",
	"currency": "USDC",
	"destination_address": "0x2222222222222222222222222222222222222222",
	"destination_network": "ethereum"
}`

func TestHandle_SubmitsAsRequester(t *testing.T) {
	payouts := &fakePayouts{}
	c := newTestConsumer(payouts)

	require.NoError(t, c.handle(context.Background(), []byte("order-9"), []byte(validEvent)))
	require.Len(t, payouts.calls, 1)

	in := payouts.calls[0]
	assert.Equal(t, "order-9", in.ExternalRef)
	assert.Equal(t, "merchant-1", in.RequesterID)
	assert.True(t, decimal.RequireFromString("125.50").Equal(in.Amount))
	assert.Equal(t, "ethereum", in.DestinationNetwork)
	assert.Equal(t, model.Actor{ID: "merchant-1", Role: model.RoleMerchant}, payouts.actors[0])

	// Redelivery is absorbed by the idempotent submit.
	require.NoError(t, c.handle(context.Background(), []byte("order-9"), []byte(validEvent)))
	assert.Len(t, payouts.calls, 2)
}

func TestHandle_DropsUnusableMessages(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"malformed json", `{"event_type":`},
		{"other event type", `{"event_type":"payout_settled","requester_id":"merchant-1","amount":"1"}`},
		{"bad amount", `{"event_type":"payout_requested","requester_id":"merchant-1","amount":"lots"}`},
		{"no requester", `{"event_type":"payout_requested","amount":"10"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payouts := &fakePayouts{}
			c := newTestConsumer(payouts)
			assert.NoError(t, c.handle(context.Background(), nil, []byte(tt.value)))
			assert.Empty(t, payouts.calls)
		})
	}
}

func TestHandle_RejectedRequestIsNotRetried(t *testing.T) {
	payouts := &fakePayouts{errs: []error{errs.Wrapf(errs.ErrInvalidInput, "unsupported currency")}}
	c := newTestConsumer(payouts)

	assert.NoError(t, c.handle(context.Background(), nil, []byte(validEvent)))
	assert.Len(t, payouts.calls, 1)
}

func TestHandle_RetriesStoreFailures(t *testing.T) {
	dbDown := errors.New("connection refused")

	payouts := &fakePayouts{errs: []error{dbDown, dbDown}}
	c := newTestConsumer(payouts)
	require.NoError(t, c.handle(context.Background(), nil, []byte(validEvent)))
	assert.Len(t, payouts.calls, 3)

	payouts = &fakePayouts{errs: []error{dbDown, dbDown, dbDown, dbDown, dbDown}}
	c = newTestConsumer(payouts)
	err := c.handle(context.Background(), nil, []byte(validEvent))
	assert.ErrorIs(t, err, dbDown)
	assert.Len(t, payouts.calls, maxTries)
}
