//go:build integration

package repository_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antinvestor/service-escrow/internal/testutil"
	"github.com/antinvestor/service-escrow/service/models"
	"github.com/antinvestor/service-escrow/service/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresPaymentFinalizesOnce(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewPostgresStore(t)
	transactions := repository.NewTransactionRepository(store)
	payments := repository.NewPaymentRepository(store)

	transaction := newTransaction("buyer", "seller")
	require.NoError(t, transactions.Create(ctx, transaction))

	payment := &models.Payment{
		TransactionID:     transaction.GetID(),
		ProviderReference: "PG-REF-1",
		Amount:            decimal.NewFromInt(5000),
		Currency:          "KES",
		Status:            models.PaymentPending,
	}
	require.NoError(t, payments.Create(ctx, payment))

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now()
			attempt := *payment
			attempt.Status = models.PaymentCompleted
			attempt.ConfirmedAmount = payment.Amount
			attempt.FinalizedAt = &now
			ok, err := payments.Finalize(ctx, &attempt)
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	stored, err := payments.GetByReference(ctx, "PG-REF-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, stored.Status)
	assert.True(t, stored.ConfirmedAmount.Equal(decimal.NewFromInt(5000)))
}

func TestPostgresRowLockSerializesUnitsOfWork(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewPostgresStore(t)
	transactor := repository.NewTransactor(store)
	transactions := repository.NewTransactionRepository(store)

	transaction := newTransaction("buyer", "seller")
	require.NoError(t, transactions.Create(ctx, transaction))

	var moved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := transactor.WithinTransaction(ctx, func(ctx context.Context) error {
				locked, err := transactions.GetForUpdate(ctx, transaction.GetID())
				if err != nil {
					return err
				}
				if locked.Status != models.StateCreated {
					return nil
				}
				locked.Status = models.StateCancelled
				ok, err := transactions.UpdateFrom(ctx, locked, models.StateCreated)
				if ok {
					moved.Add(1)
				}
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), moved.Load())
	stored, err := transactions.GetByID(ctx, transaction.GetID())
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, stored.Status)
}
