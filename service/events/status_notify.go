package events

import (
	"context"
	"errors"
	"time"

	"github.com/antinvestor/service-escrow/service/models"
	"github.com/sirupsen/logrus"
)

const TransactionStatusNotifyEvent = "escrow.status.notify"

// Publisher pushes a payload to a registered topic. *frame.Service
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any) error
}

// StatusNotification is what buyers' and sellers' notification channels
// receive for every applied transition.
type StatusNotification struct {
	TransactionID string                  `json:"transaction_id"`
	From          models.TransactionState `json:"from"`
	To            models.TransactionState `json:"to"`
	EscrowStatus  models.EscrowState      `json:"escrow_status"`
	Actor         string                  `json:"actor"`
	Reason        string                  `json:"reason"`
	At            time.Time               `json:"at"`
}

type TransactionStatusNotify struct {
	Publisher Publisher
	Topic     string
	Log       logrus.FieldLogger
}

func (e *TransactionStatusNotify) Name() string {
	return TransactionStatusNotifyEvent
}

func (e *TransactionStatusNotify) PayloadType() any {
	return &models.TransactionStatus{}
}

func (e *TransactionStatusNotify) Validate(_ context.Context, payload any) error {
	status, ok := payload.(*models.TransactionStatus)
	if !ok {
		return errors.New(" payload is not of type models.TransactionStatus")
	}
	if status.TransactionID == "" {
		return errors.New(" status entry has no transaction id")
	}
	return nil
}

func (e *TransactionStatusNotify) Execute(ctx context.Context, payload any) error {
	status := payload.(*models.TransactionStatus)

	logger := e.Log.WithField("transaction", status.TransactionID).WithField("type", e.Name())
	logger.Debug("handling event")

	notification := StatusNotification{
		TransactionID: status.TransactionID,
		From:          status.FromState,
		To:            status.ToState,
		EscrowStatus:  status.EscrowStatus,
		Actor:         status.Actor,
		Reason:        status.Reason,
		At:            status.CreatedAt,
	}

	if err := e.Publisher.Publish(ctx, e.Topic, notification); err != nil {
		logger.WithError(err).Warn("could not publish status notification")
		return err
	}
	return nil
}
