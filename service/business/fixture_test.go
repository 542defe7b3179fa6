package business

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/antinvestor/service-escrow/internal/testutil"
	"github.com/antinvestor/service-escrow/service/gateway"
	"github.com/antinvestor/service-escrow/service/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	buyerID  = "buyer-1"
	sellerID = "seller-1"
)

type emitterMock struct {
	mock.Mock
}

func (m *emitterMock) Emit(ctx context.Context, name string, payload any) error {
	args := m.Called(ctx, name, payload)
	return args.Error(0)
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *testutil.Store
	clock   *testutil.Clock
	adapter *gateway.MockAdapter
	emitter *emitterMock
	engine  *Engine
	refs    int
}

func newFixture(t *testing.T, tweaks ...func(*Settings)) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	adapter := gateway.NewMockAdapter(ctrl)
	adapter.EXPECT().Name().Return("mock").AnyTimes()
	return newFixtureWithAdapter(t, adapter, tweaks...)
}

func newFixtureWithAdapter(t *testing.T, adapter gateway.Adapter, tweaks ...func(*Settings)) *fixture {
	t.Helper()

	emitter := &emitterMock{}
	emitter.On("Emit", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	log := logrus.New()
	log.SetOutput(io.Discard)

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		store:   testutil.NewStore(t),
		clock:   testutil.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		emitter: emitter,
	}
	if mockAdapter, ok := adapter.(*gateway.MockAdapter); ok {
		f.adapter = mockAdapter
	}

	settings := Settings{
		Currency:                  "KES",
		MinorUnits:                2,
		VerificationWindow:        7 * 24 * time.Hour,
		Tolerance:                 decimal.Zero,
		FeeRate:                   decimal.RequireFromString("0.02"),
		InstallmentIntervalMonths: 1,
		SweepInterval:             time.Minute,
		SweepBatch:                50,
		SweepConcurrency:          2,
		PendingPollAfter:          5 * time.Minute,
	}
	for _, tweak := range tweaks {
		tweak(&settings)
	}

	engine, err := NewEngine(Dependencies{
		Store:    f.store,
		Adapter:  adapter,
		Locker:   NewLocalLocker(10 * time.Second),
		Emitter:  emitter,
		Log:      log,
		Clock:    f.clock.Now,
		Settings: settings,
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

func amount(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func (f *fixture) create(price string, paymentType models.PaymentType, installments int) *models.Transaction {
	f.t.Helper()
	view, err := f.engine.Escrow.Create(f.ctx, CreateRequest{
		ListingID:        "listing-1",
		BuyerID:          buyerID,
		SellerID:         sellerID,
		AgreedPrice:      amount(price),
		PlotCount:        1,
		PaymentType:      paymentType,
		InstallmentCount: installments,
	})
	require.NoError(f.t, err)
	return view.Transaction
}

// initiate starts a payment the gateway accepts and returns its reference.
// An empty value pays the default amount.
func (f *fixture) initiate(transactionID, value string) string {
	f.t.Helper()
	f.refs++
	reference := fmt.Sprintf("REF%03d", f.refs)

	f.adapter.EXPECT().NewReference().Return(reference)
	f.adapter.EXPECT().Initiate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, request gateway.CheckoutRequest) (*gateway.Checkout, error) {
			return &gateway.Checkout{CheckoutReference: request.Reference}, nil
		})

	request := PaymentRequest{TransactionID: transactionID, ProfileID: buyerID, Channel: gateway.ChannelMpesa, MobileNumber: "254700000000"}
	if value != "" {
		request.Amount = amount(value)
	}
	initiation, err := f.engine.Escrow.InitiatePayment(f.ctx, request)
	require.NoError(f.t, err)
	require.Equal(f.t, reference, initiation.Payment.ProviderReference)
	return reference
}

// deliver sends one signed callback through the reconciler.
func (f *fixture) deliver(reference string, outcome gateway.Outcome, value string) (*CallbackResult, error) {
	f.t.Helper()
	notification := &gateway.Notification{ProviderReference: reference, Outcome: outcome, Currency: "KES"}
	if value != "" {
		notification.Amount = amount(value)
	}
	f.adapter.EXPECT().VerifySignature(gomock.Any(), "sig").Return(nil)
	f.adapter.EXPECT().ParseCallback(gomock.Any()).Return(notification, nil)
	return f.engine.Reconciler.HandleCallback(f.ctx, []byte(`{}`), "sig")
}

func (f *fixture) fund(price string) *models.Transaction {
	f.t.Helper()
	transaction := f.create(price, models.PaymentTypeFull, 0)
	reference := f.initiate(transaction.GetID(), "")
	_, err := f.deliver(reference, gateway.OutcomeCompleted, price)
	require.NoError(f.t, err)
	return f.reload(transaction.GetID())
}

func (f *fixture) reload(transactionID string) *models.Transaction {
	f.t.Helper()
	var transaction models.Transaction
	require.NoError(f.t, f.store.DB(f.ctx, false).First(&transaction, "id = ?", transactionID).Error)
	return &transaction
}

func (f *fixture) payment(reference string) *models.Payment {
	f.t.Helper()
	var payment models.Payment
	require.NoError(f.t, f.store.DB(f.ctx, false).First(&payment, "provider_reference = ?", reference).Error)
	return &payment
}

func (f *fixture) history(transactionID string) []models.TransactionState {
	f.t.Helper()
	entries, err := f.engine.Escrow.History(f.ctx, transactionID, "")
	require.NoError(f.t, err)
	states := make([]models.TransactionState, 0, len(entries))
	for _, entry := range entries {
		states = append(states, entry.ToState)
	}
	return states
}

func (f *fixture) expectRefundAccepted() {
	f.adapter.EXPECT().Refund(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, request gateway.RefundRequest) (*gateway.RefundResult, error) {
			return &gateway.RefundResult{Reference: request.Reference, Accepted: true}, nil
		})
}

// force writes columns straight to the table, bypassing the engine and the
// model hooks, to stage states the engine would not produce on its own.
func (f *fixture) force(model any, columns map[string]any, query string, args ...any) {
	f.t.Helper()
	result := f.store.DB(f.ctx, false).Model(model).Where(query, args...).UpdateColumns(columns)
	require.NoError(f.t, result.Error)
	require.NotZero(f.t, result.RowsAffected, "no rows matched %s", query)
}
