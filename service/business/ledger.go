package business

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antinvestor/service-escrow/service/models"
	"github.com/antinvestor/service-escrow/service/repository"
	"github.com/antinvestor/service-escrow/service/utility"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FinalizeResult is what Finalize did with a payment outcome. Applied is
// false when the same outcome had already been recorded.
type FinalizeResult struct {
	Payment *models.Payment
	Applied bool
}

// Ledger is the record of payment attempts and their outcomes. It is the
// only place that sums completed payments. Every method expects the caller
// to hold the owning transaction's lock.
type Ledger interface {
	RecordAttempt(ctx context.Context, transaction *models.Transaction, payment *models.Payment) error
	Finalize(ctx context.Context, reference string, outcome models.PaymentState, amount decimal.Decimal, metadata map[string]any) (*FinalizeResult, error)
	TotalCompleted(ctx context.Context, transactionID string) (decimal.Decimal, error)
	CompletedReferences(ctx context.Context, transactionID string) ([]string, error)
	FlagReconciliation(ctx context.Context, reference string, note string) error
}

type ledger struct {
	payments     repository.PaymentRepository
	transactions repository.TransactionRepository
	tolerance    decimal.Decimal
	minorUnits   int32
	clock        func() time.Time
}

func newLedger(payments repository.PaymentRepository, transactions repository.TransactionRepository,
	tolerance decimal.Decimal, minorUnits int32, clock func() time.Time) *ledger {
	return &ledger{
		payments:     payments,
		transactions: transactions,
		tolerance:    tolerance,
		minorUnits:   minorUnits,
		clock:        clock,
	}
}

func (l *ledger) RecordAttempt(ctx context.Context, transaction *models.Transaction, payment *models.Payment) error {
	if payment.ProviderReference == "" {
		return ErrInvalidRequest
	}
	if err := validateAmount(payment.Amount, l.minorUnits); err != nil {
		return err
	}

	existing, err := l.payments.GetByReference(ctx, payment.ProviderReference)
	if err == nil {
		mismatch := existing.TransactionID != transaction.GetID() || !existing.Amount.Equal(payment.Amount)
		return &DuplicateReferenceError{Reference: payment.ProviderReference, Mismatch: mismatch}
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	total, err := l.TotalCompleted(ctx, transaction.GetID())
	if err != nil {
		return err
	}
	if total.Add(payment.Amount).GreaterThan(transaction.AgreedPrice.Add(l.tolerance)) {
		return ErrOverpayment
	}

	payment.TransactionID = transaction.GetID()
	payment.Status = models.PaymentPending
	payment.ConfirmedAmount = decimal.Zero
	if payment.Currency == "" {
		payment.Currency = transaction.Currency
	}
	return l.payments.Create(ctx, payment)
}

func (l *ledger) Finalize(ctx context.Context, reference string, outcome models.PaymentState,
	amount decimal.Decimal, metadata map[string]any) (*FinalizeResult, error) {
	payment, err := l.getByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	if outcome == models.PaymentCompleted && amount.IsZero() {
		amount = payment.Amount
	}

	if payment.Status.IsTerminal() {
		return l.compareFinalized(payment, outcome, amount)
	}
	if !outcome.IsTerminal() {
		return &FinalizeResult{Payment: payment}, nil
	}

	if outcome == models.PaymentCompleted {
		if err = validateAmount(amount, l.minorUnits); err != nil {
			return nil, err
		}
		if err = l.checkCeiling(ctx, payment, amount); err != nil {
			return nil, err
		}
	}

	now := l.clock()
	payment.Status = outcome
	payment.ConfirmedAmount = amount
	payment.FinalizedAt = &now
	if len(metadata) > 0 {
		if payment.Extra == nil {
			payment.Extra = map[string]any{}
		}
		for k, v := range metadata {
			payment.Extra[k] = v
		}
	}

	applied, err := l.payments.Finalize(ctx, payment)
	if err != nil {
		return nil, err
	}
	if !applied {
		// someone finalized it between our read and write
		current, getErr := l.getByReference(ctx, reference)
		if getErr != nil {
			return nil, getErr
		}
		return l.compareFinalized(current, outcome, amount)
	}

	if outcome != models.PaymentCompleted {
		payment.ConfirmedAmount = decimal.Zero
	}
	return &FinalizeResult{Payment: payment, Applied: true}, nil
}

// compareFinalized decides between a redelivery and a conflict for a
// payment that is already terminal.
func (l *ledger) compareFinalized(payment *models.Payment, outcome models.PaymentState, amount decimal.Decimal) (*FinalizeResult, error) {
	if !outcome.IsTerminal() {
		return &FinalizeResult{Payment: payment}, nil
	}
	if payment.Status == outcome &&
		(outcome != models.PaymentCompleted || payment.ConfirmedAmount.Equal(amount)) {
		return &FinalizeResult{Payment: payment}, nil
	}
	return nil, &ConflictingFinalizationError{
		Reference: payment.ProviderReference,
		Existing:  payment.Status,
		Attempted: outcome,
	}
}

func (l *ledger) checkCeiling(ctx context.Context, payment *models.Payment, amount decimal.Decimal) error {
	transaction, err := l.transactions.GetByID(ctx, payment.TransactionID)
	if err != nil {
		return err
	}
	total, err := l.TotalCompleted(ctx, payment.TransactionID)
	if err != nil {
		return err
	}

	limit := transaction.AgreedPrice.Add(l.tolerance)
	if next := total.Add(amount); next.GreaterThan(limit) {
		return &IntegrityError{
			TransactionID: transaction.GetID(),
			Reason: fmt.Sprintf("payment %s would bring the completed total to %s above the limit %s",
				payment.ProviderReference, next, limit),
			Total:    next,
			Limit:    limit,
			detected: true,
		}
	}
	return nil
}

func (l *ledger) TotalCompleted(ctx context.Context, transactionID string) (decimal.Decimal, error) {
	payments, err := l.payments.ListByTransaction(ctx, transactionID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, payment := range payments {
		if payment.Status == models.PaymentCompleted {
			total = total.Add(payment.ConfirmedAmount)
		}
	}
	return total, nil
}

func (l *ledger) CompletedReferences(ctx context.Context, transactionID string) ([]string, error) {
	payments, err := l.payments.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	var references []string
	for _, payment := range payments {
		if payment.Status == models.PaymentCompleted {
			references = append(references, payment.ProviderReference)
		}
	}
	return references, nil
}

func (l *ledger) FlagReconciliation(ctx context.Context, reference string, note string) error {
	payment, err := l.getByReference(ctx, reference)
	if err != nil {
		return err
	}
	return l.payments.FlagReconciliation(ctx, payment.GetID(), note)
}

// FlagLatestCompleted flags the most recently finalized completed payment
// of a transaction, the one that tipped it over.
func (l *ledger) FlagLatestCompleted(ctx context.Context, transactionID string, note string) error {
	payments, err := l.payments.ListByTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	var latest *models.Payment
	for _, payment := range payments {
		if payment.Status != models.PaymentCompleted || payment.FinalizedAt == nil {
			continue
		}
		if latest == nil || !payment.FinalizedAt.Before(*latest.FinalizedAt) {
			latest = payment
		}
	}
	if latest == nil {
		return nil
	}
	return l.payments.FlagReconciliation(ctx, latest.GetID(), note)
}

func (l *ledger) getByReference(ctx context.Context, reference string) (*models.Payment, error) {
	payment, err := l.payments.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

func validateAmount(amount decimal.Decimal, minorUnits int32) error {
	if !amount.IsPositive() || !utility.IsWholeMinorUnits(amount, minorUnits) {
		return ErrInvalidAmount
	}
	return nil
}
