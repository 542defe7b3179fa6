package repository

import (
	"context"

	"github.com/antinvestor/service-escrow/service/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Datastore hands out gorm handles. *frame.Service satisfies it.
type Datastore interface {
	DB(ctx context.Context, readOnly bool) *gorm.DB
}

type txKey struct{}

// Transactor runs a unit of work inside one database transaction. Every
// repository call made with the ctx passed to fn joins that transaction.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type transactor struct {
	store Datastore
}

func NewTransactor(store Datastore) Transactor {
	return &transactor{store: store}
}

func (t *transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return t.store.DB(ctx, false).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func txFromContext(ctx context.Context) *gorm.DB {
	tx, _ := ctx.Value(txKey{}).(*gorm.DB)
	return tx
}

type abstractRepository struct {
	store Datastore
}

// readDB may be served by a replica; state decisions must go through writeDB.
func (ar *abstractRepository) readDB(ctx context.Context) *gorm.DB {
	if tx := txFromContext(ctx); tx != nil {
		return tx.WithContext(ctx)
	}
	return ar.store.DB(ctx, true)
}

func (ar *abstractRepository) writeDB(ctx context.Context) *gorm.DB {
	if tx := txFromContext(ctx); tx != nil {
		return tx.WithContext(ctx)
	}
	return ar.store.DB(ctx, false)
}

// lockedDB takes a row lock when running inside a transaction. Dialects
// without row locks (sqlite) drop the clause.
func (ar *abstractRepository) lockedDB(ctx context.Context) *gorm.DB {
	db := ar.writeDB(ctx)
	if txFromContext(ctx) == nil {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// Models lists every table the service owns, in migration order.
func Models() []any {
	return []any{
		&models.Transaction{}, &models.Payment{}, &models.Installment{},
		&models.TransactionStatus{}, &models.Settlement{},
	}
}
