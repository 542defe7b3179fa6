package repository

import (
	"context"

	"github.com/antinvestor/service-escrow/service/models"
)

type InstallmentRepository interface {
	GetSchedule(ctx context.Context, transactionID string) ([]*models.Installment, error)
	CreateSchedule(ctx context.Context, schedule []*models.Installment) error
}

type installmentRepository struct {
	abstractRepository
}

func NewInstallmentRepository(store Datastore) InstallmentRepository {
	return &installmentRepository{abstractRepository{store: store}}
}

func (repo *installmentRepository) GetSchedule(ctx context.Context, transactionID string) ([]*models.Installment, error) {
	var schedule []*models.Installment
	err := repo.writeDB(ctx).
		Where("transaction_id = ?", transactionID).
		Order("sequence").
		Find(&schedule).Error
	if err != nil {
		return nil, err
	}
	return schedule, nil
}

func (repo *installmentRepository) CreateSchedule(ctx context.Context, schedule []*models.Installment) error {
	if len(schedule) == 0 {
		return nil
	}
	for _, row := range schedule {
		if row.GetID() == "" {
			row.GenID(ctx)
		}
	}
	return repo.writeDB(ctx).Create(&schedule).Error
}
