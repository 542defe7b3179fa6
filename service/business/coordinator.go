package business

import (
	"context"
	"fmt"

	"github.com/antinvestor/service-escrow/service/gateway"
	"github.com/antinvestor/service-escrow/service/models"
	"github.com/antinvestor/service-escrow/service/utility"
	"github.com/shopspring/decimal"
)

// Coordinator executes the irreversible money movements once the state
// machine allows them.
type Coordinator interface {
	// Release records the release decision, books the settlement and
	// completes the transaction. A retry after a bookkeeping failure resumes
	// from the bookkeeping step.
	Release(ctx context.Context, transactionID, actor string) (*models.Transaction, error)
	// Refund returns what the buyer paid and was not yet refunded, and marks
	// the transaction REFUNDED once the gateway accepted everything owed.
	Refund(ctx context.Context, transactionID, actor string) (*models.Transaction, error)
}

type coordinator struct {
	*engine
}

func (c *coordinator) Release(ctx context.Context, transactionID, actor string) (*models.Transaction, error) {
	transaction, err := c.mutate(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if transaction.Status.IsReleased() {
			return nil
		}
		if transaction.IntegrityHold {
			return holdError(transaction)
		}
		if err := c.evaluate(ctx, box, transaction); err != nil {
			return err
		}
		if transaction.Status != models.StateReadyToRelease {
			return invalidTransition(transaction.Status, models.StateReleased, "release requires READY_TO_RELEASE")
		}
		if transaction.RefundRequested {
			return invalidTransition(transaction.Status, models.StateReleased, "a refund is pending")
		}
		return c.transition(ctx, box, transaction, models.StateReleased, actor, "release recorded", nil)
	})
	if err != nil {
		return nil, err
	}
	if transaction.Status == models.StateCompleted {
		return transaction, nil
	}

	completed, err := c.settle(ctx, transactionID, actor)
	if err != nil {
		c.log.WithError(err).WithField("transaction", transactionID).
			Error("release recorded but settlement bookkeeping failed")
		return nil, fmt.Errorf("settlement bookkeeping for %s: %w", transactionID, err)
	}
	return completed, nil
}

// settle books the platform fee and the seller payout, then completes the
// transaction. It only runs on RELEASED transactions.
func (c *coordinator) settle(ctx context.Context, transactionID, actor string) (*models.Transaction, error) {
	return c.mutate(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if transaction.Status == models.StateCompleted {
			return nil
		}
		if transaction.Status != models.StateReleased {
			return invalidTransition(transaction.Status, models.StateCompleted, "settlement requires RELEASED")
		}

		settlement, err := c.settlements.GetByTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if settlement == nil {
			gross, totalErr := c.ledger.TotalCompleted(ctx, transactionID)
			if totalErr != nil {
				return totalErr
			}
			fee := utility.ToMinorUnits(gross.Mul(c.settings.FeeRate), c.settings.MinorUnits)
			settlement = &models.Settlement{
				TransactionID: transactionID,
				SellerID:      transaction.SellerID,
				Gross:         gross,
				Fee:           fee,
				Net:           gross.Sub(fee),
				Currency:      transaction.Currency,
			}
			if err = c.settlements.Create(ctx, settlement); err != nil {
				return err
			}
			box.settlements = append(box.settlements, settlement)
		}

		return c.transitionWithExtra(ctx, box, transaction, models.StateCompleted, actor, "settlement booked", nil,
			map[string]any{
				"settlement": settlement.GetID(),
				"fee":        settlement.Fee.String(),
				"net":        settlement.Net.String(),
			})
	})
}

// refundRounds bounds the top-up refunds one Refund call sends when payments
// keep completing while a refund is with the gateway. The sweeper picks up
// whatever is still owed.
const refundRounds = 3

func (c *coordinator) Refund(ctx context.Context, transactionID, actor string) (*models.Transaction, error) {
	var transaction *models.Transaction
	for round := 0; round < refundRounds; round++ {
		prepared, request, err := c.prepareRefund(ctx, transactionID, actor)
		if err != nil || request == nil {
			return prepared, err
		}

		transaction, err = c.sendRefund(ctx, transactionID, actor, request)
		if err != nil {
			return nil, err
		}
		if !transaction.RefundRequested {
			return transaction, nil
		}
	}

	c.log.WithField("transaction", transactionID).
		WithField("refunded", transaction.RefundedAmount.String()).
		Warn("refund still owed after several rounds, leaving it to the sweeper")
	return transaction, nil
}

// prepareRefund works out what is still owed to the buyer and pins it to a
// refund reference. A refund already with the gateway is resent unchanged.
func (c *coordinator) prepareRefund(ctx context.Context, transactionID, actor string) (*models.Transaction, *gateway.RefundRequest, error) {
	var request *gateway.RefundRequest

	transaction, err := c.mutate(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if transaction.Status == models.StateRefunded && !transaction.RefundRequested {
			return nil
		}
		if transaction.IntegrityHold {
			return holdError(transaction)
		}
		if err := refundable(transaction); err != nil {
			return err
		}

		if transaction.RefundReference == "" {
			total, err := c.ledger.TotalCompleted(ctx, transactionID)
			if err != nil {
				return err
			}
			due := total.Sub(transaction.RefundedAmount)
			if !due.IsPositive() {
				reason := "nothing left to refund"
				if transaction.RefundedAmount.IsZero() {
					reason = "nothing was paid, no refund due"
				}
				return c.closeRefund(ctx, box, transaction, actor, reason, nil)
			}

			transaction.RefundReference = refundReference(transactionID, transaction.RefundCount)
			transaction.PendingRefund = due
			if err = c.persist(ctx, transaction, transaction.Status); err != nil {
				return err
			}
		}

		references, err := c.ledger.CompletedReferences(ctx, transactionID)
		if err != nil {
			return err
		}
		request = &gateway.RefundRequest{
			Reference:         transaction.RefundReference,
			TransactionID:     transactionID,
			Amount:            transaction.PendingRefund,
			Currency:          transaction.Currency,
			PaymentReferences: references,
		}
		return nil
	})
	return transaction, request, err
}

// sendRefund hands the refund to the gateway outside the lock and books it
// once accepted. Payments that completed in the meantime keep the refund
// flag up so the difference goes out next.
func (c *coordinator) sendRefund(ctx context.Context, transactionID, actor string, request *gateway.RefundRequest) (*models.Transaction, error) {
	logger := c.log.WithField("transaction", transactionID).WithField("reference", request.Reference)

	result, err := c.adapter.Refund(ctx, *request)
	if err != nil {
		logger.WithError(err).Warn("refund not accepted by gateway")
		return nil, gatewayError(request.Reference, err)
	}
	if !result.Accepted {
		logger.WithField("message", result.Message).Warn("refund declined by gateway")
		return nil, fmt.Errorf("%w: %s", ErrGatewayRejected, result.Message)
	}

	return c.mutate(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if transaction.RefundReference != request.Reference {
			// booked by a concurrent caller
			return nil
		}
		transaction.RefundedAmount = transaction.RefundedAmount.Add(request.Amount)
		transaction.RefundReference = ""
		transaction.PendingRefund = decimal.Zero
		transaction.RefundCount++
		extra := map[string]any{"reference": request.Reference, "amount": request.Amount.String()}

		total, err := c.ledger.TotalCompleted(ctx, transactionID)
		if err != nil {
			return err
		}
		if remaining := total.Sub(transaction.RefundedAmount); remaining.IsPositive() {
			extra["remaining"] = remaining.String()
			if err = c.persist(ctx, transaction, transaction.Status); err != nil {
				return err
			}
			logger.WithField("remaining", remaining.String()).Warn("payments completed while the refund was in flight")
			return c.record(ctx, box, transaction, transaction.Status, actor, "refund accepted, more funds arrived meanwhile", extra)
		}
		return c.closeRefund(ctx, box, transaction, actor, "refund accepted by gateway", extra)
	})
}

// closeRefund settles the refund obligation and moves the transaction to
// REFUNDED when it is not there yet.
func (c *coordinator) closeRefund(ctx context.Context, box *outbox, transaction *models.Transaction,
	actor, reason string, extra map[string]any) error {
	if transaction.Status != models.StateRefunded {
		return c.transitionWithExtra(ctx, box, transaction, models.StateRefunded, actor, reason,
			func(next *models.Transaction) { next.RefundRequested = false }, extra)
	}
	transaction.RefundRequested = false
	transaction.EscrowStatus = models.EscrowFor(transaction.Status, false)
	if err := c.persist(ctx, transaction, transaction.Status); err != nil {
		return err
	}
	return c.record(ctx, box, transaction, transaction.Status, actor, reason, extra)
}

func refundReference(transactionID string, round int) string {
	if round == 0 {
		return "refund-" + transactionID
	}
	return fmt.Sprintf("refund-%s-%d", transactionID, round+1)
}

func refundable(transaction *models.Transaction) error {
	switch {
	case transaction.Status == models.StateDisputed && transaction.DisputeResolution == models.ResolutionBuyer:
		return nil
	case transaction.RefundRequested && (transaction.Status.IsFunded() ||
		transaction.Status == models.StateCancelled || transaction.Status == models.StateRefunded):
		return nil
	case transaction.Status == models.StateDisputed:
		return invalidTransition(transaction.Status, models.StateRefunded, "the dispute has not been resolved for the buyer")
	}
	return invalidTransition(transaction.Status, models.StateRefunded, "refund requires a resolved dispute or a refund flag")
}
