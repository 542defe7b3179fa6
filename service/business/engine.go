package business

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antinvestor/service-escrow/service/events"
	"github.com/antinvestor/service-escrow/service/gateway"
	"github.com/antinvestor/service-escrow/service/models"
	"github.com/antinvestor/service-escrow/service/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const actorSystem = "system"

// Emitter hands payloads to registered events. *frame.Service satisfies it.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any) error
}

// Settings are the business rules read from configuration.
type Settings struct {
	Currency                  string
	MinorUnits                int32
	VerificationWindow        time.Duration
	Tolerance                 decimal.Decimal
	FeeRate                   decimal.Decimal
	InstallmentIntervalMonths int
	SweepInterval             time.Duration
	SweepBatch                int
	SweepConcurrency          int
	// PendingPollAfter is how old a PENDING payment must be before the
	// sweeper asks the gateway about it.
	PendingPollAfter time.Duration
}

type Dependencies struct {
	Store    repository.Datastore
	Adapter  gateway.Adapter
	Locker   Locker
	Emitter  Emitter
	Parties  PartyDirectory
	Log      logrus.FieldLogger
	Clock    func() time.Time
	Settings Settings
}

// Engine bundles the escrow components over one set of dependencies.
type Engine struct {
	Escrow      EscrowBusiness
	Coordinator Coordinator
	Reconciler  Reconciler
	Sweeper     *Sweeper
}

func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Store == nil || deps.Adapter == nil || deps.Locker == nil || deps.Emitter == nil {
		return nil, ErrInitializationFail
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	settings := deps.Settings
	if settings.Currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrInitializationFail)
	}
	if settings.VerificationWindow <= 0 {
		return nil, fmt.Errorf("%w: verification window must be positive", ErrInitializationFail)
	}
	if settings.Tolerance.IsNegative() || settings.FeeRate.IsNegative() || settings.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: tolerance and fee rate out of range", ErrInitializationFail)
	}

	e := &engine{
		log:          deps.Log,
		clock:        deps.Clock,
		settings:     settings,
		locker:       deps.Locker,
		transactor:   repository.NewTransactor(deps.Store),
		transactions: repository.NewTransactionRepository(deps.Store),
		payments:     repository.NewPaymentRepository(deps.Store),
		installments: repository.NewInstallmentRepository(deps.Store),
		statuses:     repository.NewStatusRepository(deps.Store),
		settlements:  repository.NewSettlementRepository(deps.Store),
		scheduler:    NewScheduler(settings.MinorUnits, settings.InstallmentIntervalMonths),
		adapter:      deps.Adapter,
		emitter:      deps.Emitter,
		parties:      deps.Parties,
	}
	e.ledger = newLedger(e.payments, e.transactions, settings.Tolerance, settings.MinorUnits, e.clock)

	coordinator := &coordinator{engine: e}
	escrow := &escrowBusiness{engine: e, coordinator: coordinator}
	reconciler := &reconciler{engine: e}

	return &Engine{
		Escrow:      escrow,
		Coordinator: coordinator,
		Reconciler:  reconciler,
		Sweeper:     newSweeper(e, escrow, coordinator, reconciler),
	}, nil
}

type engine struct {
	log      logrus.FieldLogger
	clock    func() time.Time
	settings Settings

	locker       Locker
	transactor   repository.Transactor
	transactions repository.TransactionRepository
	payments     repository.PaymentRepository
	installments repository.InstallmentRepository
	statuses     repository.StatusRepository
	settlements  repository.SettlementRepository

	ledger    *ledger
	scheduler *Scheduler
	adapter   gateway.Adapter
	emitter   Emitter
	parties   PartyDirectory
}

// outbox collects what has to be announced once the unit of work commits.
type outbox struct {
	statuses    []*models.TransactionStatus
	settlements []*models.Settlement
}

type unitOfWork func(ctx context.Context, transaction *models.Transaction, box *outbox) error

// mutate runs work on one transaction under its lock and inside a database
// transaction holding the row lock. Events are emitted after commit.
// A newly detected integrity violation rolls the work back and then puts the
// transaction on hold in a commit of its own.
func (e *engine) mutate(ctx context.Context, transactionID string, work unitOfWork) (*models.Transaction, error) {
	transaction, err := e.mutateLocked(ctx, transactionID, work)
	var integrity *IntegrityError
	if errors.As(err, &integrity) && integrity.detected {
		e.placeHold(ctx, transactionID, integrity)
	}
	return transaction, err
}

func (e *engine) mutateLocked(ctx context.Context, transactionID string, work unitOfWork) (*models.Transaction, error) {
	unlock, err := e.locker.Lock(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	box := &outbox{}
	var result *models.Transaction
	err = e.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		transaction, loadErr := e.loadForUpdate(ctx, transactionID)
		if loadErr != nil {
			return loadErr
		}
		if workErr := work(ctx, transaction, box); workErr != nil {
			return workErr
		}
		result = transaction
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.flush(ctx, box)
	return result, nil
}

func (e *engine) loadForUpdate(ctx context.Context, transactionID string) (*models.Transaction, error) {
	transaction, err := e.transactions.GetForUpdate(ctx, transactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return transaction, nil
}

func (e *engine) load(ctx context.Context, transactionID string) (*models.Transaction, error) {
	transaction, err := e.transactions.GetByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return transaction, nil
}

// transition applies one edge of the state graph and records it in the
// status history. Re-applying the current state is a no-op.
func (e *engine) transition(ctx context.Context, box *outbox, transaction *models.Transaction,
	to models.TransactionState, actor, reason string, change func(next *models.Transaction)) error {
	return e.transitionWithExtra(ctx, box, transaction, to, actor, reason, change, nil)
}

func (e *engine) transitionWithExtra(ctx context.Context, box *outbox, transaction *models.Transaction,
	to models.TransactionState, actor, reason string, change func(next *models.Transaction), extra map[string]any) error {
	from := transaction.Status
	if from == to {
		return nil
	}
	if !models.CanTransition(from, to) {
		return invalidTransition(from, to, "no such edge in the escrow state graph")
	}

	next := *transaction
	next.Status = to
	if change != nil {
		change(&next)
	}
	next.EscrowStatus = models.EscrowFor(to, next.RefundRequested)

	if err := e.persist(ctx, &next, from); err != nil {
		return err
	}
	*transaction = next

	return e.record(ctx, box, transaction, from, actor, reason, extra)
}

// persist writes the mutable fields guarded by the expected stored status.
func (e *engine) persist(ctx context.Context, transaction *models.Transaction, expected models.TransactionState) error {
	ok, err := e.transactions.UpdateFrom(ctx, transaction, expected)
	if err != nil {
		return err
	}
	if !ok {
		return invalidTransition(expected, transaction.Status, "transaction was changed concurrently")
	}
	return nil
}

func (e *engine) record(ctx context.Context, box *outbox, transaction *models.Transaction,
	from models.TransactionState, actor, reason string, extra map[string]any) error {
	if actor == "" {
		actor = actorSystem
	}
	entry := &models.TransactionStatus{
		TransactionID: transaction.GetID(),
		FromState:     from,
		ToState:       transaction.Status,
		EscrowStatus:  transaction.EscrowStatus,
		Actor:         actor,
		Reason:        reason,
		Extra:         extra,
	}
	if err := e.statuses.Save(ctx, entry); err != nil {
		return err
	}
	box.statuses = append(box.statuses, entry)

	e.log.WithField("transaction", transaction.GetID()).
		WithField("from", from).
		WithField("to", transaction.Status).
		WithField("actor", actor).
		Info("transaction state changed")
	return nil
}

// evaluate applies every transition the ledger, the schedule and the clock
// currently justify. It is idempotent and never moves a transaction back.
func (e *engine) evaluate(ctx context.Context, box *outbox, transaction *models.Transaction) error {
	if transaction.IntegrityHold {
		return nil
	}

	switch transaction.Status {
	case models.StateCreated:
		funded, extra, err := e.isFunded(ctx, transaction)
		if err != nil || !funded {
			return err
		}
		deadline := e.clock().Add(e.settings.VerificationWindow)
		if err = e.transitionWithExtra(ctx, box, transaction, models.StateEscrowFunded, actorSystem, "payments cover the agreed price",
			func(next *models.Transaction) { next.VerificationDeadline = &deadline }, extra); err != nil {
			return err
		}
		return e.transition(ctx, box, transaction, models.StateVerificationPeriod, actorSystem, "verification window opened", nil)

	case models.StateVerificationPeriod:
		if transaction.VerificationDeadline != nil && !e.clock().Before(*transaction.VerificationDeadline) {
			return e.transition(ctx, box, transaction, models.StateReadyToRelease, actorSystem, "verification window elapsed", nil)
		}

	case models.StateCancelled, models.StateRefunded:
		return e.claimLateFunds(ctx, box, transaction)
	}
	return nil
}

// claimLateFunds raises the refund flag on a closed transaction that holds
// more completed payments than it has refunded.
func (e *engine) claimLateFunds(ctx context.Context, box *outbox, transaction *models.Transaction) error {
	if transaction.RefundRequested {
		return nil
	}
	total, err := e.ledger.TotalCompleted(ctx, transaction.GetID())
	if err != nil {
		return err
	}
	due := total.Sub(transaction.RefundedAmount)
	if !due.IsPositive() {
		return nil
	}

	transaction.RefundRequested = true
	transaction.EscrowStatus = models.EscrowFor(transaction.Status, true)
	if err = e.persist(ctx, transaction, transaction.Status); err != nil {
		return err
	}
	e.log.WithField("transaction", transaction.GetID()).
		WithField("status", transaction.Status).
		WithField("due", due.String()).
		Warn("funds arrived after the transaction closed")
	return e.record(ctx, box, transaction, transaction.Status, actorSystem,
		"funds received after the transaction closed, refund required",
		map[string]any{"total": total.String(), "due": due.String()})
}

func (e *engine) isFunded(ctx context.Context, transaction *models.Transaction) (bool, map[string]any, error) {
	total, err := e.ledger.TotalCompleted(ctx, transaction.GetID())
	if err != nil {
		return false, nil, err
	}

	if !transaction.IsInstallment() {
		return total.GreaterThanOrEqual(transaction.AgreedPrice), nil, nil
	}

	schedule, err := e.schedule(ctx, transaction.GetID())
	if err != nil {
		return false, nil, err
	}
	if err = checkSchedule(transaction, schedule); err != nil {
		return false, nil, err
	}
	paid, overpaid := IsFullyPaid(schedule, total)
	if !overpaid {
		return paid, nil, nil
	}

	overpayment := total.Sub(ScheduleTotal(schedule))
	e.log.WithField("transaction", transaction.GetID()).
		WithField("total", total.String()).
		WithField("schedule_total", ScheduleTotal(schedule).String()).
		Warn("installment schedule overpaid, needs reconciliation")
	if err = e.ledger.FlagLatestCompleted(ctx, transaction.GetID(),
		"installment schedule overpaid by "+overpayment.String()); err != nil {
		return false, nil, err
	}
	return paid, map[string]any{"overpaid": overpayment.String()}, nil
}

// checkSchedule refuses to fund an installment transaction whose stored
// schedule no longer adds up to the agreed price.
func checkSchedule(transaction *models.Transaction, schedule []ScheduleEntry) error {
	scheduled := ScheduleTotal(schedule)
	if len(schedule) == transaction.InstallmentCount && scheduled.Equal(transaction.AgreedPrice) {
		return nil
	}
	return &IntegrityError{
		TransactionID: transaction.GetID(),
		Reason: fmt.Sprintf("installment schedule of %d entries sums to %s, agreed price is %s",
			len(schedule), scheduled, transaction.AgreedPrice),
		Total:    scheduled,
		Limit:    transaction.AgreedPrice,
		detected: true,
	}
}

func (e *engine) schedule(ctx context.Context, transactionID string) ([]ScheduleEntry, error) {
	rows, err := e.installments.GetSchedule(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return scheduleFromModels(rows), nil
}

// placeHold stops automatic processing of a transaction. It commits on its
// own so the hold survives the failure that caused it.
func (e *engine) placeHold(ctx context.Context, transactionID string, cause *IntegrityError) {
	_, err := e.mutateLocked(ctx, transactionID, func(ctx context.Context, transaction *models.Transaction, box *outbox) error {
		if transaction.IntegrityHold {
			return nil
		}
		transaction.IntegrityHold = true
		transaction.HoldReason = cause.Reason
		if err := e.persist(ctx, transaction, transaction.Status); err != nil {
			return err
		}
		return e.record(ctx, box, transaction, transaction.Status, actorSystem, "integrity hold: "+cause.Reason,
			map[string]any{"total": cause.Total.String(), "limit": cause.Limit.String()})
	})

	logger := e.log.WithField("transaction", transactionID).WithField("reason", cause.Reason)
	if err != nil {
		logger.WithError(err).Error("could not place integrity hold")
		return
	}
	logger.Error("transaction placed on integrity hold")
}

func (e *engine) flush(ctx context.Context, box *outbox) {
	for _, entry := range box.statuses {
		if err := e.emitter.Emit(ctx, events.TransactionStatusNotifyEvent, entry); err != nil {
			e.log.WithError(err).WithField("transaction", entry.TransactionID).Warn("could not emit status notification")
		}
	}
	for _, settlement := range box.settlements {
		e.emitPayout(ctx, settlement)
	}
}

func (e *engine) emitPayout(ctx context.Context, settlement *models.Settlement) {
	instruction := events.NewPayoutInstruction(settlement)
	if err := e.emitter.Emit(ctx, events.PayoutDispatchEvent, instruction); err != nil {
		// the sweeper re-emits undispatched settlements
		e.log.WithError(err).WithField("settlement", settlement.GetID()).Warn("could not emit payout instruction")
	}
}

func holdError(transaction *models.Transaction) error {
	return &IntegrityError{TransactionID: transaction.GetID(), Reason: transaction.HoldReason}
}
