package repository

import (
	"context"
	"time"

	"github.com/antinvestor/service-escrow/service/models"
	"github.com/shopspring/decimal"
)

type PaymentRepository interface {
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByReference(ctx context.Context, providerReference string) (*models.Payment, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*models.Payment, error)
	ListPendingOlderThan(ctx context.Context, before time.Time, limit int) ([]*models.Payment, error)
	Create(ctx context.Context, payment *models.Payment) error
	// Finalize moves a PENDING payment to a terminal state. It reports false
	// when the payment was no longer PENDING.
	Finalize(ctx context.Context, payment *models.Payment) (bool, error)
	FlagReconciliation(ctx context.Context, id string, note string) error
}

type paymentRepository struct {
	abstractRepository
}

func NewPaymentRepository(store Datastore) PaymentRepository {
	return &paymentRepository{abstractRepository{store: store}}
}

func (repo *paymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	payment := models.Payment{}
	err := repo.writeDB(ctx).First(&payment, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (repo *paymentRepository) GetByReference(ctx context.Context, providerReference string) (*models.Payment, error) {
	payment := models.Payment{}
	err := repo.writeDB(ctx).First(&payment, "provider_reference = ?", providerReference).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (repo *paymentRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*models.Payment, error) {
	var payments []*models.Payment
	err := repo.writeDB(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at").
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (repo *paymentRepository) ListPendingOlderThan(ctx context.Context, before time.Time, limit int) ([]*models.Payment, error) {
	var payments []*models.Payment
	err := repo.readDB(ctx).
		Where("status = ? AND created_at <= ?", models.PaymentPending, before).
		Order("created_at").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (repo *paymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.GetID() == "" {
		payment.GenID(ctx)
	}
	return repo.writeDB(ctx).Create(payment).Error
}

func (repo *paymentRepository) Finalize(ctx context.Context, payment *models.Payment) (bool, error) {
	confirmed := payment.ConfirmedAmount
	if payment.Status != models.PaymentCompleted {
		confirmed = decimal.Zero
	}
	result := repo.writeDB(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.GetID(), models.PaymentPending).
		UpdateColumns(map[string]any{
			"modified_at":          time.Now(),
			"status":               payment.Status,
			"confirmed_amount":     confirmed,
			"finalized_at":         payment.FinalizedAt,
			"needs_reconciliation": payment.NeedsReconciliation,
			"extra":                payment.Extra,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (repo *paymentRepository) FlagReconciliation(ctx context.Context, id string, note string) error {
	payment, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	extra := payment.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	extra["reconciliation_note"] = note
	return repo.writeDB(ctx).
		Model(&models.Payment{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{"modified_at": time.Now(), "needs_reconciliation": true, "extra": extra}).Error
}
