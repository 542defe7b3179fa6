package repository

import (
	"context"

	"github.com/antinvestor/service-escrow/service/models"
)

type StatusRepository interface {
	ListByTransaction(ctx context.Context, transactionID string) ([]*models.TransactionStatus, error)
	Save(ctx context.Context, status *models.TransactionStatus) error
}

type statusRepository struct {
	abstractRepository
}

func NewStatusRepository(store Datastore) StatusRepository {
	return &statusRepository{abstractRepository{store: store}}
}

func (repo *statusRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*models.TransactionStatus, error) {
	var history []*models.TransactionStatus
	err := repo.readDB(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at, id").
		Find(&history).Error
	if err != nil {
		return nil, err
	}
	return history, nil
}

func (repo *statusRepository) Save(ctx context.Context, status *models.TransactionStatus) error {
	if status.GetID() == "" {
		status.GenID(ctx)
	}
	return repo.writeDB(ctx).Create(status).Error
}
