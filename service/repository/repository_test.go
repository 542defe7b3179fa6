package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antinvestor/service-escrow/internal/testutil"
	"github.com/antinvestor/service-escrow/service/models"
	"github.com/antinvestor/service-escrow/service/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTransaction(buyer, seller string) *models.Transaction {
	return &models.Transaction{
		ListingID:    "listing-1",
		BuyerID:      buyer,
		SellerID:     seller,
		AgreedPrice:  decimal.NewFromInt(5000),
		Currency:     "KES",
		PlotCount:    1,
		PaymentType:  models.PaymentTypeFull,
		Status:       models.StateCreated,
		EscrowStatus: models.EscrowNotFunded,
	}
}

func TestTransactionUpdateFromIsConditional(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	repo := repository.NewTransactionRepository(store)

	transaction := newTransaction("buyer", "seller")
	require.NoError(t, repo.Create(ctx, transaction))
	require.NotEmpty(t, transaction.GetID())

	transaction.Status = models.StateCancelled
	transaction.CancelReason = "changed plans"
	ok, err := repo.UpdateFrom(ctx, transaction, models.StateCreated)
	require.NoError(t, err)
	assert.True(t, ok)

	transaction.Status = models.StateEscrowFunded
	ok, err = repo.UpdateFrom(ctx, transaction, models.StateCreated)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.GetByID(ctx, transaction.GetID())
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, stored.Status)
	assert.Equal(t, "changed plans", stored.CancelReason)
	assert.True(t, stored.AgreedPrice.Equal(decimal.NewFromInt(5000)))

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestTransactionListings(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	repo := repository.NewTransactionRepository(store)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	expired := newTransaction("buyer", "seller")
	expired.Status = models.StateVerificationPeriod
	deadline := now.Add(-time.Hour)
	expired.VerificationDeadline = &deadline

	open := newTransaction("buyer", "other-seller")
	open.Status = models.StateVerificationPeriod
	later := now.Add(time.Hour)
	open.VerificationDeadline = &later

	held := newTransaction("other-buyer", "seller")
	held.Status = models.StateVerificationPeriod
	held.VerificationDeadline = &deadline
	held.IntegrityHold = true

	refund := newTransaction("other-buyer", "other-seller")
	refund.Status = models.StateCancelled
	refund.RefundRequested = true

	for _, transaction := range []*models.Transaction{expired, open, held, refund} {
		require.NoError(t, repo.Create(ctx, transaction))
	}

	due, err := repo.ListVerificationExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, expired.GetID(), due[0].GetID())

	byBuyer, err := repo.ListByParty(ctx, "buyer", 10)
	require.NoError(t, err)
	assert.Len(t, byBuyer, 2)

	bySeller, err := repo.ListByParty(ctx, "seller", 10)
	require.NoError(t, err)
	assert.Len(t, bySeller, 2)

	refunds, err := repo.ListRefundRequested(ctx, 10)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, refund.GetID(), refunds[0].GetID())

	inWindow, err := repo.ListByState(ctx, models.StateVerificationPeriod, 10)
	require.NoError(t, err)
	assert.Len(t, inWindow, 2)
}

func TestPaymentFinalizeOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	repo := repository.NewPaymentRepository(store)

	payment := &models.Payment{
		TransactionID:     "tx-1",
		Amount:            decimal.RequireFromString("2500.50"),
		Currency:          "KES",
		ProviderReference: "REF-1",
		Status:            models.PaymentPending,
	}
	require.NoError(t, repo.Create(ctx, payment))

	duplicate := &models.Payment{TransactionID: "tx-1", ProviderReference: "REF-1", Status: models.PaymentPending}
	assert.Error(t, repo.Create(ctx, duplicate))

	now := time.Now()
	payment.Status = models.PaymentCompleted
	payment.ConfirmedAmount = payment.Amount
	payment.FinalizedAt = &now
	payment.Extra = map[string]any{"telco": "safaricom"}

	applied, err := repo.Finalize(ctx, payment)
	require.NoError(t, err)
	assert.True(t, applied)

	payment.Status = models.PaymentFailed
	applied, err = repo.Finalize(ctx, payment)
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := repo.GetByReference(ctx, "REF-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, stored.Status)
	assert.True(t, stored.ConfirmedAmount.Equal(decimal.RequireFromString("2500.50")))
	assert.Equal(t, "safaricom", stored.Extra["telco"])

	require.NoError(t, repo.FlagReconciliation(ctx, stored.GetID(), "amount mismatch"))
	stored, err = repo.GetByReference(ctx, "REF-1")
	require.NoError(t, err)
	assert.True(t, stored.NeedsReconciliation)
	assert.Equal(t, "amount mismatch", stored.Extra["reconciliation_note"])
	assert.Equal(t, "safaricom", stored.Extra["telco"])
}

func TestTransactorRollsBack(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	transactor := repository.NewTransactor(store)
	transactions := repository.NewTransactionRepository(store)
	statuses := repository.NewStatusRepository(store)

	transaction := newTransaction("buyer", "seller")
	failure := errors.New("abort")

	err := transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := transactions.Create(ctx, transaction); err != nil {
			return err
		}
		if err := statuses.Save(ctx, &models.TransactionStatus{TransactionID: transaction.GetID(), ToState: models.StateCreated}); err != nil {
			return err
		}
		// nested units join the outer transaction
		return transactor.WithinTransaction(ctx, func(ctx context.Context) error {
			_, getErr := transactions.GetForUpdate(ctx, transaction.GetID())
			if getErr != nil {
				return getErr
			}
			return failure
		})
	})
	assert.ErrorIs(t, err, failure)

	_, err = transactions.GetByID(ctx, transaction.GetID())
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	history, err := statuses.ListByTransaction(ctx, transaction.GetID())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestInstallmentSchedule(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	repo := repository.NewInstallmentRepository(store)

	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	schedule := []*models.Installment{
		{TransactionID: "tx-1", Sequence: 2, DueDate: due.AddDate(0, 1, 0), Amount: decimal.NewFromInt(50)},
		{TransactionID: "tx-1", Sequence: 1, DueDate: due, Amount: decimal.NewFromInt(50)},
	}
	require.NoError(t, repo.CreateSchedule(ctx, schedule))
	require.NoError(t, repo.CreateSchedule(ctx, nil))

	stored, err := repo.GetSchedule(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 1, stored[0].Sequence)
	assert.Equal(t, 2, stored[1].Sequence)
}

func TestSettlementDispatch(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	repo := repository.NewSettlementRepository(store)

	missing, err := repo.GetByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	settlement := &models.Settlement{
		TransactionID: "tx-1",
		SellerID:      "seller",
		Gross:         decimal.NewFromInt(1000),
		Fee:           decimal.NewFromInt(20),
		Net:           decimal.NewFromInt(980),
		Currency:      "KES",
	}
	require.NoError(t, repo.Create(ctx, settlement))
	assert.Error(t, repo.Create(ctx, &models.Settlement{TransactionID: "tx-1"}))

	pending, err := repo.ListUndispatched(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, repo.MarkDispatched(ctx, settlement.GetID(), time.Now()))
	pending, err = repo.ListUndispatched(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stored, err := repo.GetByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, stored.IsDispatched())
}
