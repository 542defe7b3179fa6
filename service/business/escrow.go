package business

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antinvestor/service-escrow/service/gateway"
	"github.com/antinvestor/service-escrow/service/models"
	"github.com/antinvestor/service-escrow/service/utility"
	"github.com/shopspring/decimal"
)

type CreateRequest struct {
	ListingID        string
	BuyerID          string
	SellerID         string
	AgreedPrice      decimal.Decimal
	Currency         string
	PlotCount        int
	PaymentType      models.PaymentType
	InstallmentCount int
}

// PaymentRequest starts a checkout for the buyer. A zero Amount pays the
// outstanding balance, or the next installment on an installment plan.
type PaymentRequest struct {
	TransactionID string
	ProfileID     string
	Amount        decimal.Decimal
	Channel       string
	MobileNumber  string
}

type PaymentInitiation struct {
	Payment  *models.Payment
	Checkout *gateway.Checkout
}

// TransactionView is a transaction with the figures derived from the ledger.
type TransactionView struct {
	Transaction   *models.Transaction
	TotalPaid     decimal.Decimal
	Outstanding   decimal.Decimal
	Schedule      []ScheduleEntry
	NextDue       *ScheduleEntry
	NextDueAmount decimal.Decimal
}

// EscrowBusiness is the escrow state machine. It is the only writer of
// transaction status. An empty profileID means an internal or operator call
// that skips the party check.
type EscrowBusiness interface {
	Create(ctx context.Context, request CreateRequest) (*TransactionView, error)
	InitiatePayment(ctx context.Context, request PaymentRequest) (*PaymentInitiation, error)
	Confirm(ctx context.Context, transactionID, profileID string) (*models.Transaction, error)
	Dispute(ctx context.Context, transactionID, profileID, reason string) (*models.Transaction, error)
	ResolveDispute(ctx context.Context, transactionID, actor string, resolution models.DisputeResolution, note string) (*models.Transaction, error)
	Cancel(ctx context.Context, transactionID, profileID, reason string) (*models.Transaction, error)
	FlagRefund(ctx context.Context, transactionID, actor, reason string) (*models.Transaction, error)
	ClearHold(ctx context.Context, transactionID, actor, note string) (*models.Transaction, error)
	Reevaluate(ctx context.Context, transactionID string) (*models.Transaction, error)

	Get(ctx context.Context, transactionID, profileID string) (*TransactionView, error)
	List(ctx context.Context, profileID string, limit int) ([]*TransactionView, error)
	History(ctx context.Context, transactionID, profileID string) ([]*models.TransactionStatus, error)
}

type escrowBusiness struct {
	*engine
	coordinator *coordinator
}

func (eb *escrowBusiness) Create(ctx context.Context, request CreateRequest) (*TransactionView, error) {
	if err := eb.validateCreate(&request); err != nil {
		return nil, err
	}
	if eb.parties != nil {
		if err := eb.parties.Verify(ctx, request.BuyerID, request.SellerID); err != nil {
			return nil, err
		}
	}

	transaction := &models.Transaction{
		ListingID:        request.ListingID,
		BuyerID:          request.BuyerID,
		SellerID:         request.SellerID,
		AgreedPrice:      request.AgreedPrice,
		Currency:         request.Currency,
		PlotCount:        request.PlotCount,
		PaymentType:      request.PaymentType,
		InstallmentCount: request.InstallmentCount,
		Status:           models.StateCreated,
		EscrowStatus:     models.EscrowNotFunded,
	}

	var schedule []ScheduleEntry
	if transaction.IsInstallment() {
		var err error
		schedule, err = eb.scheduler.GenerateSchedule(request.AgreedPrice, request.InstallmentCount, eb.clock())
		if err != nil {
			return nil, err
		}
		if scheduled := ScheduleTotal(schedule); !scheduled.Equal(request.AgreedPrice) {
			return nil, &IntegrityError{
				Reason: fmt.Sprintf("generated schedule sums to %s, agreed price is %s", scheduled, request.AgreedPrice),
				Total:  scheduled,
				Limit:  request.AgreedPrice,
			}
		}
	}

	box := &outbox{}
	err := eb.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := eb.transactions.Create(ctx, transaction); err != nil {
			return err
		}
		if len(schedule) > 0 {
			if err := eb.installments.CreateSchedule(ctx, scheduleToModels(transaction.GetID(), schedule)); err != nil {
				return err
			}
		}
		return eb.record(ctx, box, transaction, "", request.BuyerID, "transaction created", nil)
	})
	if err != nil {
		return nil, err
	}
	eb.flush(ctx, box)

	return eb.view(ctx, transaction)
}

func (eb *escrowBusiness) validateCreate(request *CreateRequest) error {
	request.ListingID = strings.TrimSpace(request.ListingID)
	request.BuyerID = strings.TrimSpace(request.BuyerID)
	request.SellerID = strings.TrimSpace(request.SellerID)

	switch {
	case request.ListingID == "" || request.BuyerID == "" || request.SellerID == "":
		return fmt.Errorf("%w: listing, buyer and seller are required", ErrInvalidRequest)
	case request.BuyerID == request.SellerID:
		return fmt.Errorf("%w: buyer and seller must differ", ErrInvalidRequest)
	case request.PlotCount <= 0:
		return fmt.Errorf("%w: plot count must be positive", ErrInvalidRequest)
	case !request.PaymentType.Valid():
		return fmt.Errorf("%w: unknown payment type %q", ErrInvalidRequest, request.PaymentType)
	}

	if err := validateAmount(request.AgreedPrice, eb.settings.MinorUnits); err != nil {
		return err
	}

	if request.Currency == "" {
		request.Currency = eb.settings.Currency
	}
	if !strings.EqualFold(request.Currency, eb.settings.Currency) {
		return fmt.Errorf("%w: only %s is accepted", ErrInvalidRequest, eb.settings.Currency)
	}
	request.Currency = eb.settings.Currency

	if request.PaymentType == models.PaymentTypeFull {
		request.InstallmentCount = 1
		return nil
	}
	if request.InstallmentCount < 2 {
		return fmt.Errorf("%w: an installment plan needs at least two installments", ErrInvalidRequest)
	}
	return nil
}

func (eb *escrowBusiness) InitiatePayment(ctx context.Context, request PaymentRequest) (*PaymentInitiation, error) {
	if gateway.IsDisabled(eb.adapter) {
		return nil, ErrPaymentsDisabled
	}

	payment := &models.Payment{
		Channel:           request.Channel,
		ProviderReference: eb.adapter.NewReference(),
	}

	transaction, err := eb.mutate(ctx, request.TransactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if transaction.BuyerID != request.ProfileID {
			return ErrForbidden
		}
		if transaction.IntegrityHold {
			return holdError(transaction)
		}
		if err := eb.evaluate(ctx, box, transaction); err != nil {
			return err
		}
		if transaction.Status != models.StateCreated {
			return invalidTransition(transaction.Status, models.StateEscrowFunded, "payments are only accepted before funding")
		}

		amount, err := eb.paymentAmount(ctx, transaction, request.Amount)
		if err != nil {
			return err
		}
		payment.Amount = amount
		return eb.ledger.RecordAttempt(ctx, transaction, payment)
	})
	if err != nil {
		return nil, err
	}

	logger := eb.log.WithField("transaction", transaction.GetID()).WithField("reference", payment.ProviderReference)

	// the gateway call runs outside the transaction lock
	checkout, err := eb.adapter.Initiate(ctx, gateway.CheckoutRequest{
		Reference:     payment.ProviderReference,
		TransactionID: transaction.GetID(),
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		Channel:       request.Channel,
		MobileNumber:  request.MobileNumber,
		Description:   fmt.Sprintf("Escrow payment for listing %s", transaction.ListingID),
	})
	if err == nil {
		logger.WithField("amount", payment.Amount.String()).Info("payment initiated")
		return &PaymentInitiation{Payment: payment, Checkout: checkout}, nil
	}

	mapped := gatewayError(payment.ProviderReference, err)
	var indeterminate *IndeterminateError
	if errors.As(mapped, &indeterminate) {
		// leave the attempt PENDING; a callback or poll settles it
		logger.WithError(err).Warn("payment initiation outcome unknown")
		return nil, mapped
	}

	logger.WithError(err).Warn("payment initiation failed")
	_, finalizeErr := eb.mutate(ctx, transaction.GetID(), func(ctx context.Context, _ *models.Transaction, _ *outbox) error {
		_, ferr := eb.ledger.Finalize(ctx, payment.ProviderReference, models.PaymentFailed, decimal.Zero,
			map[string]any{"failure": err.Error()})
		return ferr
	})
	if finalizeErr != nil {
		logger.WithError(finalizeErr).Error("could not mark failed initiation")
	}
	return nil, mapped
}

func (eb *escrowBusiness) paymentAmount(ctx context.Context, transaction *models.Transaction, requested decimal.Decimal) (decimal.Decimal, error) {
	if !requested.IsZero() {
		return requested, nil
	}

	total, err := eb.ledger.TotalCompleted(ctx, transaction.GetID())
	if err != nil {
		return decimal.Zero, err
	}

	if transaction.IsInstallment() {
		schedule, scheduleErr := eb.schedule(ctx, transaction.GetID())
		if scheduleErr != nil {
			return decimal.Zero, scheduleErr
		}
		if _, outstanding, ok := NextDue(schedule, total); ok {
			return outstanding, nil
		}
		return decimal.Zero, ErrOverpayment
	}

	outstanding := transaction.AgreedPrice.Sub(total)
	if !outstanding.IsPositive() {
		return decimal.Zero, ErrOverpayment
	}
	return outstanding, nil
}

func (eb *escrowBusiness) Confirm(ctx context.Context, transactionID, profileID string) (*models.Transaction, error) {
	return eb.mutate(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if transaction.BuyerID != profileID {
			return ErrForbidden
		}
		if transaction.IntegrityHold {
			return holdError(transaction)
		}
		if err := eb.evaluate(ctx, box, transaction); err != nil {
			return err
		}

		switch transaction.Status {
		case models.StateReadyToRelease:
			return nil
		case models.StateVerificationPeriod:
			now := eb.clock()
			return eb.transition(ctx, box, transaction, models.StateReadyToRelease, profileID, "buyer confirmed satisfaction",
				func(next *models.Transaction) { next.BuyerConfirmedAt = &now })
		}
		return invalidTransition(transaction.Status, models.StateReadyToRelease, "confirmation is only possible during the verification period")
	})
}

func (eb *escrowBusiness) Dispute(ctx context.Context, transactionID, profileID, reason string) (*models.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a dispute needs a reason", ErrInvalidRequest)
	}

	return eb.mutate(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if !transaction.IsParty(profileID) {
			return ErrForbidden
		}
		if transaction.IntegrityHold {
			return holdError(transaction)
		}
		if err := eb.evaluate(ctx, box, transaction); err != nil {
			return err
		}
		if transaction.Status == models.StateDisputed {
			return nil
		}
		if !models.CanTransition(transaction.Status, models.StateDisputed) || transaction.RefundRequested {
			return invalidTransition(transaction.Status, models.StateDisputed, "disputes are raised after funding and before release")
		}
		return eb.transition(ctx, box, transaction, models.StateDisputed, profileID, reason, func(next *models.Transaction) {
			next.DisputedBy = profileID
			next.DisputeReason = reason
			next.DisputeResolution = models.ResolutionNone
		})
	})
}

func (eb *escrowBusiness) ResolveDispute(ctx context.Context, transactionID, actor string,
	resolution models.DisputeResolution, note string) (*models.Transaction, error) {
	if resolution != models.ResolutionSeller && resolution != models.ResolutionBuyer {
		return nil, fmt.Errorf("%w: resolution must be %s or %s", ErrInvalidRequest, models.ResolutionSeller, models.ResolutionBuyer)
	}
	reason := fmt.Sprintf("dispute resolved for %s", strings.ToLower(string(resolution)))
	if note != "" {
		reason += ": " + note
	}

	transaction, err := eb.mutate(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if transaction.Status != models.StateDisputed {
			if transaction.DisputeResolution == resolution {
				return nil
			}
			target := models.StateReadyToRelease
			if resolution == models.ResolutionBuyer {
				target = models.StateRefunded
			}
			return invalidTransition(transaction.Status, target, "there is no open dispute")
		}

		if resolution == models.ResolutionSeller {
			if transaction.DisputeResolution == models.ResolutionBuyer {
				return invalidTransition(transaction.Status, models.StateReadyToRelease,
					"the dispute was resolved for the buyer and the refund is pending")
			}
			return eb.transition(ctx, box, transaction, models.StateReadyToRelease, actor, reason,
				func(next *models.Transaction) { next.DisputeResolution = models.ResolutionSeller })
		}

		if transaction.DisputeResolution == models.ResolutionBuyer {
			return nil
		}
		transaction.DisputeResolution = models.ResolutionBuyer
		transaction.RefundRequested = true
		if err := eb.persist(ctx, transaction, transaction.Status); err != nil {
			return err
		}
		return eb.record(ctx, box, transaction, transaction.Status, actor, reason, nil)
	})
	if err != nil || resolution == models.ResolutionSeller {
		return transaction, err
	}

	return eb.coordinator.Refund(ctx, transactionID, actor)
}

func (eb *escrowBusiness) Cancel(ctx context.Context, transactionID, profileID, reason string) (*models.Transaction, error) {
	transaction, err := eb.mutate(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if !transaction.IsParty(profileID) {
			return ErrForbidden
		}
		if err := eb.evaluate(ctx, box, transaction); err != nil {
			return err
		}

		switch {
		case transaction.Status == models.StateCancelled:
			return nil
		case transaction.Status.IsFunded():
			return invalidTransition(transaction.Status, models.StateCancelled, "funded transactions leave escrow through refund")
		case transaction.Status != models.StateCreated:
			return invalidTransition(transaction.Status, models.StateCancelled, "transaction can no longer be cancelled")
		}

		total, err := eb.ledger.TotalCompleted(ctx, transaction.GetID())
		if err != nil {
			return err
		}
		return eb.transition(ctx, box, transaction, models.StateCancelled, profileID, reason, func(next *models.Transaction) {
			next.CancelReason = reason
			next.RefundRequested = total.IsPositive()
		})
	})
	if err != nil || !transaction.RefundRequested || transaction.IntegrityHold {
		return transaction, err
	}

	refunded, refundErr := eb.coordinator.Refund(ctx, transactionID, profileID)
	if refundErr != nil {
		eb.log.WithError(refundErr).WithField("transaction", transactionID).
			Warn("refund after cancellation did not complete, will retry")
		return transaction, nil
	}
	return refunded, nil
}

func (eb *escrowBusiness) FlagRefund(ctx context.Context, transactionID, actor, reason string) (*models.Transaction, error) {
	return eb.mutate(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if transaction.Status == models.StateRefunded || transaction.RefundRequested {
			return nil
		}
		if !transaction.Status.IsFunded() && transaction.Status != models.StateCancelled {
			return invalidTransition(transaction.Status, models.StateRefunded, "no funds are held in escrow")
		}

		transaction.RefundRequested = true
		transaction.EscrowStatus = models.EscrowFor(transaction.Status, true)
		if err := eb.persist(ctx, transaction, transaction.Status); err != nil {
			return err
		}
		if reason == "" {
			reason = "refund requested"
		}
		return eb.record(ctx, box, transaction, transaction.Status, actor, reason, nil)
	})
}

func (eb *escrowBusiness) ClearHold(ctx context.Context, transactionID, actor, note string) (*models.Transaction, error) {
	return eb.mutate(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if transaction.IntegrityHold {
			transaction.IntegrityHold = false
			transaction.HoldReason = ""
			if err := eb.persist(ctx, transaction, transaction.Status); err != nil {
				return err
			}
			reason := "integrity hold cleared"
			if note != "" {
				reason += ": " + note
			}
			if err := eb.record(ctx, box, transaction, transaction.Status, actor, reason, nil); err != nil {
				return err
			}
		}
		return eb.evaluate(ctx, box, transaction)
	})
}

func (eb *escrowBusiness) Reevaluate(ctx context.Context, transactionID string) (*models.Transaction, error) {
	return eb.mutate(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		return eb.evaluate(ctx, box, transaction)
	})
}

func (eb *escrowBusiness) Get(ctx context.Context, transactionID, profileID string) (*TransactionView, error) {
	transaction, err := eb.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if profileID != "" && !transaction.IsParty(profileID) {
		return nil, ErrForbidden
	}
	return eb.view(ctx, eb.refresh(ctx, transaction))
}

func (eb *escrowBusiness) List(ctx context.Context, profileID string, limit int) ([]*TransactionView, error) {
	if profileID == "" {
		return nil, fmt.Errorf("%w: profile is required", ErrInvalidRequest)
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	transactions, err := eb.transactions.ListByParty(ctx, profileID, limit)
	if err != nil {
		return nil, err
	}

	views := make([]*TransactionView, 0, len(transactions))
	for _, transaction := range transactions {
		view, viewErr := eb.view(ctx, eb.refresh(ctx, transaction))
		if viewErr != nil {
			return nil, viewErr
		}
		views = append(views, view)
	}
	return views, nil
}

func (eb *escrowBusiness) History(ctx context.Context, transactionID, profileID string) ([]*models.TransactionStatus, error) {
	transaction, err := eb.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if profileID != "" && !transaction.IsParty(profileID) {
		return nil, ErrForbidden
	}
	return eb.statuses.ListByTransaction(ctx, transactionID)
}

// refresh escalates an elapsed verification window before a read returns.
// A busy transaction is returned as read.
func (eb *escrowBusiness) refresh(ctx context.Context, transaction *models.Transaction) *models.Transaction {
	if transaction.Status != models.StateVerificationPeriod || transaction.IntegrityHold ||
		transaction.VerificationDeadline == nil || eb.clock().Before(*transaction.VerificationDeadline) {
		return transaction
	}

	updated, err := eb.Reevaluate(ctx, transaction.GetID())
	if err != nil {
		eb.log.WithError(err).WithField("transaction", transaction.GetID()).Warn("could not re-evaluate on read")
		return transaction
	}
	return updated
}

func (eb *escrowBusiness) view(ctx context.Context, transaction *models.Transaction) (*TransactionView, error) {
	total, err := eb.ledger.TotalCompleted(ctx, transaction.GetID())
	if err != nil {
		return nil, err
	}

	view := &TransactionView{
		Transaction: transaction,
		TotalPaid:   total,
		Outstanding: decimal.Max(transaction.AgreedPrice.Sub(total), decimal.Zero),
	}
	if !transaction.IsInstallment() {
		return view, nil
	}

	view.Schedule, err = eb.schedule(ctx, transaction.GetID())
	if err != nil {
		return nil, err
	}
	if entry, outstanding, ok := NextDue(view.Schedule, total); ok {
		view.NextDue = &entry
		view.NextDueAmount = utility.ToMinorUnits(outstanding, eb.settings.MinorUnits)
	}
	return view, nil
}

func gatewayError(reference string, err error) error {
	switch {
	case errors.Is(err, gateway.ErrDisabled):
		return ErrPaymentsDisabled
	case errors.Is(err, gateway.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	case errors.Is(err, gateway.ErrRejected):
		return fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
	return &IndeterminateError{Reference: reference, Cause: err}
}
