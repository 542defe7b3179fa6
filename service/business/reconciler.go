package business

import (
	"context"
	"errors"
	"fmt"

	"github.com/antinvestor/service-escrow/service/gateway"
	"github.com/antinvestor/service-escrow/service/models"
)

// CallbackResult reports what a gateway notification did. Applied is false
// for redeliveries and for outcomes that are still pending.
type CallbackResult struct {
	Reference         string                  `json:"reference"`
	PaymentStatus     models.PaymentState     `json:"payment_status"`
	Applied           bool                    `json:"applied"`
	TransactionID     string                  `json:"transaction_id"`
	TransactionStatus models.TransactionState `json:"transaction_status"`
}

// Reconciler applies gateway payment outcomes to the ledger and lets the
// state machine react to them.
type Reconciler interface {
	// HandleCallback authenticates the raw body before parsing it.
	HandleCallback(ctx context.Context, body []byte, signature string) (*CallbackResult, error)
	// PollPayment asks the gateway for the outcome of a payment whose
	// callback is late or lost.
	PollPayment(ctx context.Context, reference string) (*CallbackResult, error)
}

type reconciler struct {
	*engine
}

func (r *reconciler) HandleCallback(ctx context.Context, body []byte, signature string) (*CallbackResult, error) {
	if err := r.adapter.VerifySignature(body, signature); err != nil {
		r.log.WithError(err).WithField("gateway", r.adapter.Name()).Warn("rejected callback with invalid signature")
		return nil, ErrInvalidSignature
	}

	notification, err := r.adapter.ParseCallback(body)
	if err != nil {
		if errors.Is(err, gateway.ErrDisabled) {
			return nil, ErrPaymentsDisabled
		}
		r.log.WithError(err).Warn("rejected malformed callback")
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return r.apply(ctx, notification)
}

func (r *reconciler) PollPayment(ctx context.Context, reference string) (*CallbackResult, error) {
	payment, err := r.ledger.getByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if payment.Status.IsTerminal() {
		return r.result(ctx, payment, false)
	}

	notification, err := r.adapter.CheckStatus(ctx, reference)
	if err != nil {
		return nil, gatewayError(reference, err)
	}
	if !notification.Outcome.IsTerminal() {
		return r.result(ctx, payment, false)
	}
	return r.apply(ctx, notification)
}

func (r *reconciler) apply(ctx context.Context, notification *gateway.Notification) (*CallbackResult, error) {
	reference := notification.ProviderReference
	logger := r.log.WithField("reference", reference).WithField("outcome", notification.Outcome)

	payment, err := r.ledger.getByReference(ctx, reference)
	if err != nil {
		logger.WithError(err).Warn("notification for unknown payment")
		return nil, err
	}

	outcome := models.PaymentState(notification.Outcome)
	var finalized *FinalizeResult
	transaction, err := r.mutate(ctx, payment.TransactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		result, finalizeErr := r.ledger.Finalize(ctx, reference, outcome, notification.Amount, notification.Metadata)
		if finalizeErr != nil {
			return finalizeErr
		}
		finalized = result
		if !result.Applied {
			return nil
		}
		if evalErr := r.evaluate(ctx, box, transaction); evalErr != nil {
			return evalErr
		}
		if result.Payment.Status == models.PaymentCompleted &&
			(transaction.Status == models.StateCancelled || transaction.Status == models.StateRefunded) {
			return r.payments.FlagReconciliation(ctx, result.Payment.GetID(), "payment completed after the transaction closed")
		}
		return nil
	})

	var conflict *ConflictingFinalizationError
	var integrity *IntegrityError
	switch {
	case errors.As(err, &conflict):
		logger.WithField("existing", conflict.Existing).
			WithField("attempted", conflict.Attempted).
			WithField("amount", notification.Amount.String()).
			Error("conflicting payment finalization")
		r.flag(ctx, reference, conflict.Error())
		return nil, err
	case errors.As(err, &integrity):
		r.flag(ctx, reference, integrity.Reason)
		return nil, err
	case err != nil:
		return nil, err
	}

	if finalized.Applied {
		logger.WithField("transaction", transaction.GetID()).
			WithField("status", transaction.Status).
			Info("payment finalized")
	}
	return &CallbackResult{
		Reference:         reference,
		PaymentStatus:     finalized.Payment.Status,
		Applied:           finalized.Applied,
		TransactionID:     transaction.GetID(),
		TransactionStatus: transaction.Status,
	}, nil
}

func (r *reconciler) flag(ctx context.Context, reference, note string) {
	if err := r.ledger.FlagReconciliation(ctx, reference, note); err != nil {
		r.log.WithError(err).WithField("reference", reference).Error("could not flag payment for reconciliation")
	}
}

func (r *reconciler) result(ctx context.Context, payment *models.Payment, applied bool) (*CallbackResult, error) {
	transaction, err := r.load(ctx, payment.TransactionID)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{
		Reference:         payment.ProviderReference,
		PaymentStatus:     payment.Status,
		Applied:           applied,
		TransactionID:     transaction.GetID(),
		TransactionStatus: transaction.Status,
	}, nil
}
