package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antinvestor/service-escrow/service/models"
	"github.com/antinvestor/service-escrow/service/repository"
	"github.com/antinvestor/service-escrow/service/utility"
	"github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/type/money"
)

const PayoutDispatchEvent = "escrow.payout.dispatch"

// PayoutInstruction tells the disbursement side what the seller is owed
// after the platform fee.
type PayoutInstruction struct {
	SettlementID  string       `json:"settlement_id"`
	TransactionID string       `json:"transaction_id"`
	SellerID      string       `json:"seller_id"`
	Gross         *money.Money `json:"gross"`
	Fee           *money.Money `json:"fee"`
	Net           *money.Money `json:"net"`
}

func NewPayoutInstruction(settlement *models.Settlement) *PayoutInstruction {
	return &PayoutInstruction{
		SettlementID:  settlement.GetID(),
		TransactionID: settlement.TransactionID,
		SellerID:      settlement.SellerID,
		Gross:         utility.ToMoney(settlement.Currency, settlement.Gross),
		Fee:           utility.ToMoney(settlement.Currency, settlement.Fee),
		Net:           utility.ToMoney(settlement.Currency, settlement.Net),
	}
}

// PayoutDispatch publishes a payout instruction once and marks the
// settlement dispatched. Redelivered instructions are dropped.
type PayoutDispatch struct {
	Publisher   Publisher
	Settlements repository.SettlementRepository
	Topic       string
	Log         logrus.FieldLogger
	Clock       func() time.Time
}

func (e *PayoutDispatch) Name() string {
	return PayoutDispatchEvent
}

func (e *PayoutDispatch) PayloadType() any {
	return &PayoutInstruction{}
}

func (e *PayoutDispatch) Validate(_ context.Context, payload any) error {
	instruction, ok := payload.(*PayoutInstruction)
	if !ok {
		return errors.New(" payload is not of type events.PayoutInstruction")
	}
	if instruction.TransactionID == "" || instruction.Net == nil {
		return errors.New(" payout instruction is incomplete")
	}
	return nil
}

func (e *PayoutDispatch) Execute(ctx context.Context, payload any) error {
	instruction := payload.(*PayoutInstruction)

	logger := e.Log.WithField("transaction", instruction.TransactionID).WithField("type", e.Name())
	logger.Debug("handling event")

	settlement, err := e.Settlements.GetByTransaction(ctx, instruction.TransactionID)
	if err != nil {
		logger.WithError(err).Warn("could not load settlement")
		return err
	}
	if settlement == nil {
		return fmt.Errorf("no settlement for transaction %s", instruction.TransactionID)
	}
	if settlement.IsDispatched() {
		logger.Debug("payout already dispatched")
		return nil
	}

	if err = e.Publisher.Publish(ctx, e.Topic, instruction); err != nil {
		logger.WithError(err).Warn("could not publish payout instruction")
		return err
	}

	now := time.Now
	if e.Clock != nil {
		now = e.Clock
	}
	if err = e.Settlements.MarkDispatched(ctx, settlement.GetID(), now()); err != nil {
		logger.WithError(err).Error("payout published but not marked dispatched")
		return err
	}

	logger.WithField("net", utility.FromMoney(instruction.Net).String()).Info("payout instruction dispatched")
	return nil
}
