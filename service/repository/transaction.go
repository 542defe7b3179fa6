package repository

import (
	"context"
	"time"

	"github.com/antinvestor/service-escrow/service/models"
)

type TransactionRepository interface {
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	// GetForUpdate reads the row under a row lock when called inside a
	// transaction.
	GetForUpdate(ctx context.Context, id string) (*models.Transaction, error)
	ListByParty(ctx context.Context, profileID string, limit int) ([]*models.Transaction, error)
	ListVerificationExpired(ctx context.Context, now time.Time, limit int) ([]*models.Transaction, error)
	ListByState(ctx context.Context, state models.TransactionState, limit int) ([]*models.Transaction, error)
	ListRefundRequested(ctx context.Context, limit int) ([]*models.Transaction, error)
	Create(ctx context.Context, transaction *models.Transaction) error
	// UpdateFrom persists the transaction only if its stored status still
	// equals from. It reports false when another writer got there first.
	UpdateFrom(ctx context.Context, transaction *models.Transaction, from models.TransactionState) (bool, error)
}

type transactionRepository struct {
	abstractRepository
}

func NewTransactionRepository(store Datastore) TransactionRepository {
	return &transactionRepository{abstractRepository{store: store}}
}

func (repo *transactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	transaction := models.Transaction{}
	err := repo.writeDB(ctx).First(&transaction, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &transaction, nil
}

func (repo *transactionRepository) GetForUpdate(ctx context.Context, id string) (*models.Transaction, error) {
	transaction := models.Transaction{}
	err := repo.lockedDB(ctx).First(&transaction, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &transaction, nil
}

func (repo *transactionRepository) ListByParty(ctx context.Context, profileID string, limit int) ([]*models.Transaction, error) {
	var transactions []*models.Transaction
	err := repo.readDB(ctx).
		Where("buyer_id = ? OR seller_id = ?", profileID, profileID).
		Order("created_at DESC").
		Limit(limit).
		Find(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (repo *transactionRepository) ListVerificationExpired(ctx context.Context, now time.Time, limit int) ([]*models.Transaction, error) {
	var transactions []*models.Transaction
	err := repo.readDB(ctx).
		Where("status = ? AND verification_deadline <= ? AND integrity_hold = ?",
			models.StateVerificationPeriod, now, false).
		Order("verification_deadline").
		Limit(limit).
		Find(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (repo *transactionRepository) ListByState(ctx context.Context, state models.TransactionState, limit int) ([]*models.Transaction, error) {
	var transactions []*models.Transaction
	err := repo.readDB(ctx).
		Where("status = ? AND integrity_hold = ?", state, false).
		Order("created_at").
		Limit(limit).
		Find(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (repo *transactionRepository) ListRefundRequested(ctx context.Context, limit int) ([]*models.Transaction, error) {
	var transactions []*models.Transaction
	err := repo.readDB(ctx).
		Where("refund_requested = ? AND integrity_hold = ?", true, false).
		Limit(limit).
		Find(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (repo *transactionRepository) Create(ctx context.Context, transaction *models.Transaction) error {
	if transaction.GetID() == "" {
		transaction.GenID(ctx)
	}
	return repo.writeDB(ctx).Create(transaction).Error
}

// UpdateFrom writes with UpdateColumns: the BaseModel save hooks would give
// the empty model a fresh id and pin the WHERE clause to it.
func (repo *transactionRepository) UpdateFrom(ctx context.Context, transaction *models.Transaction, from models.TransactionState) (bool, error) {
	result := repo.writeDB(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ?", transaction.GetID(), from).
		Select("modified_at", "status", "escrow_status", "verification_deadline", "buyer_confirmed_at",
			"disputed_by", "dispute_reason", "dispute_resolution", "cancel_reason",
			"refund_requested", "refund_reference", "pending_refund", "refunded_amount", "refund_count",
			"integrity_hold", "hold_reason").
		UpdateColumns(map[string]any{
			"modified_at":           time.Now(),
			"status":                transaction.Status,
			"escrow_status":         transaction.EscrowStatus,
			"verification_deadline": transaction.VerificationDeadline,
			"buyer_confirmed_at":    transaction.BuyerConfirmedAt,
			"disputed_by":           transaction.DisputedBy,
			"dispute_reason":        transaction.DisputeReason,
			"dispute_resolution":    transaction.DisputeResolution,
			"cancel_reason":         transaction.CancelReason,
			"refund_requested":      transaction.RefundRequested,
			"refund_reference":      transaction.RefundReference,
			"pending_refund":        transaction.PendingRefund,
			"refunded_amount":       transaction.RefundedAmount,
			"refund_count":          transaction.RefundCount,
			"integrity_hold":        transaction.IntegrityHold,
			"hold_reason":           transaction.HoldReason,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
