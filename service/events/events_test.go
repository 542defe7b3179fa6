package events

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/antinvestor/service-escrow/internal/testutil"
	"github.com/antinvestor/service-escrow/service/models"
	"github.com/antinvestor/service-escrow/service/repository"
	"github.com/antinvestor/service-escrow/service/utility"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, name string, payload any) error {
	args := m.Called(ctx, name, payload)
	return args.Error(0)
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestTransactionStatusNotify(t *testing.T) {
	ctx := context.Background()
	publisher := &publisherMock{}
	event := &TransactionStatusNotify{Publisher: publisher, Topic: "escrow-status", Log: quietLog()}

	assert.Equal(t, TransactionStatusNotifyEvent, event.Name())
	assert.IsType(t, &models.TransactionStatus{}, event.PayloadType())
	assert.Error(t, event.Validate(ctx, "not a status"))
	assert.Error(t, event.Validate(ctx, &models.TransactionStatus{}))

	entry := &models.TransactionStatus{
		TransactionID: "tx-1",
		FromState:     models.StateVerificationPeriod,
		ToState:       models.StateReadyToRelease,
		EscrowStatus:  models.EscrowHeld,
		Actor:         "buyer-1",
		Reason:        "buyer confirmed satisfaction",
	}
	require.NoError(t, event.Validate(ctx, entry))

	publisher.On("Publish", mock.Anything, "escrow-status", mock.MatchedBy(func(n StatusNotification) bool {
		return n.TransactionID == "tx-1" && n.To == models.StateReadyToRelease && n.Actor == "buyer-1"
	})).Return(nil).Once()
	require.NoError(t, event.Execute(ctx, entry))

	publisher.On("Publish", mock.Anything, "escrow-status", mock.Anything).Return(errors.New("broker down")).Once()
	assert.Error(t, event.Execute(ctx, entry))
	publisher.AssertExpectations(t)
}

func TestPayoutDispatchPublishesOnce(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	settlements := repository.NewSettlementRepository(store)

	settlement := &models.Settlement{
		TransactionID: "tx-1",
		SellerID:      "seller-1",
		Gross:         decimal.RequireFromString("10000.55"),
		Fee:           decimal.RequireFromString("200.01"),
		Net:           decimal.RequireFromString("9800.54"),
		Currency:      "KES",
	}
	require.NoError(t, settlements.Create(ctx, settlement))

	instruction := NewPayoutInstruction(settlement)
	assert.Equal(t, "KES", instruction.Net.GetCurrencyCode())
	assert.Equal(t, int64(9800), instruction.Net.GetUnits())
	assert.Equal(t, int32(540000000), instruction.Net.GetNanos())

	publisher := &publisherMock{}
	publisher.On("Publish", mock.Anything, "seller-payouts", instruction).Return(nil).Once()

	dispatchedAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	event := &PayoutDispatch{
		Publisher:   publisher,
		Settlements: settlements,
		Topic:       "seller-payouts",
		Log:         quietLog(),
		Clock:       func() time.Time { return dispatchedAt },
	}

	assert.Equal(t, PayoutDispatchEvent, event.Name())
	assert.IsType(t, &PayoutInstruction{}, event.PayloadType())
	assert.Error(t, event.Validate(ctx, settlement))
	assert.Error(t, event.Validate(ctx, &PayoutInstruction{}))
	require.NoError(t, event.Validate(ctx, instruction))

	require.NoError(t, event.Execute(ctx, instruction))
	// a redelivery finds the settlement dispatched and does not publish
	require.NoError(t, event.Execute(ctx, instruction))
	publisher.AssertNumberOfCalls(t, "Publish", 1)

	stored, err := settlements.GetByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.True(t, stored.IsDispatched())
	assert.True(t, stored.DispatchedAt.Equal(dispatchedAt))
}

func TestPayoutDispatchRetriesWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	settlements := repository.NewSettlementRepository(store)

	settlement := &models.Settlement{TransactionID: "tx-2", SellerID: "seller-1", Gross: decimal.NewFromInt(100),
		Fee: decimal.NewFromInt(2), Net: decimal.NewFromInt(98), Currency: "KES"}
	require.NoError(t, settlements.Create(ctx, settlement))

	publisher := &publisherMock{}
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	event := &PayoutDispatch{Publisher: publisher, Settlements: settlements, Topic: "seller-payouts", Log: quietLog()}
	assert.Error(t, event.Execute(ctx, NewPayoutInstruction(settlement)))

	stored, err := settlements.GetByTransaction(ctx, "tx-2")
	require.NoError(t, err)
	assert.False(t, stored.IsDispatched())

	assert.Error(t, event.Execute(ctx, &PayoutInstruction{TransactionID: "unknown", Net: utility.ToMoney("KES", decimal.NewFromInt(1))}))
}
