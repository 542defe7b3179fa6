package repository

import (
	"context"
	"errors"
	"time"

	"github.com/antinvestor/service-escrow/service/models"
	"gorm.io/gorm"
)

type SettlementRepository interface {
	// GetByTransaction returns nil and no error when no settlement exists.
	GetByTransaction(ctx context.Context, transactionID string) (*models.Settlement, error)
	ListUndispatched(ctx context.Context, limit int) ([]*models.Settlement, error)
	Create(ctx context.Context, settlement *models.Settlement) error
	MarkDispatched(ctx context.Context, id string, at time.Time) error
}

type settlementRepository struct {
	abstractRepository
}

func NewSettlementRepository(store Datastore) SettlementRepository {
	return &settlementRepository{abstractRepository{store: store}}
}

func (repo *settlementRepository) GetByTransaction(ctx context.Context, transactionID string) (*models.Settlement, error) {
	settlement := models.Settlement{}
	err := repo.writeDB(ctx).First(&settlement, "transaction_id = ?", transactionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

func (repo *settlementRepository) ListUndispatched(ctx context.Context, limit int) ([]*models.Settlement, error) {
	var settlements []*models.Settlement
	err := repo.readDB(ctx).
		Where("dispatched_at IS NULL").
		Order("created_at").
		Limit(limit).
		Find(&settlements).Error
	if err != nil {
		return nil, err
	}
	return settlements, nil
}

func (repo *settlementRepository) Create(ctx context.Context, settlement *models.Settlement) error {
	if settlement.GetID() == "" {
		settlement.GenID(ctx)
	}
	return repo.writeDB(ctx).Create(settlement).Error
}

func (repo *settlementRepository) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	return repo.writeDB(ctx).
		Model(&models.Settlement{}).
		Where("id = ? AND dispatched_at IS NULL", id).
		UpdateColumns(map[string]any{"modified_at": at, "dispatched_at": at}).Error
}
