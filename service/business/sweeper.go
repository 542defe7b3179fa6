package business

import (
	"context"
	"time"

	"github.com/antinvestor/service-escrow/service/gateway"
	"github.com/antinvestor/service-escrow/service/models"
	"golang.org/x/sync/errgroup"
)

// SweepReport counts what one sweep touched.
type SweepReport struct {
	Escalated  int
	Settled    int
	Refunded   int
	Dispatched int
	Polled     int
	Failed     int
}

// Sweeper drives the time and retry based work no request triggers: expired
// verification windows, unfinished settlements, flagged refunds, payout
// instructions that were never dispatched and payments with no callback.
type Sweeper struct {
	*engine
	escrow      *escrowBusiness
	coordinator *coordinator
	reconciler  *reconciler
}

func newSweeper(e *engine, escrow *escrowBusiness, coordinator *coordinator, reconciler *reconciler) *Sweeper {
	return &Sweeper{engine: e, escrow: escrow, coordinator: coordinator, reconciler: reconciler}
}

// Run sweeps on every interval tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.settings.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := s.log.WithField("component", "sweeper")
	logger.WithField("interval", interval.String()).Info("sweeper started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				logger.WithError(err).Warn("sweep incomplete")
				continue
			}
			if *report != (SweepReport{}) {
				logger.WithField("report", report).Info("sweep done")
			}
		}
	}
}

// Sweep runs one pass. Failures on single transactions are logged and
// counted; only listing failures abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	batch := s.settings.SweepBatch
	if batch <= 0 {
		batch = 100
	}
	now := s.clock()

	expired, err := s.transactions.ListVerificationExpired(ctx, now, batch)
	if err != nil {
		return nil, err
	}
	released, err := s.transactions.ListByState(ctx, models.StateReleased, batch)
	if err != nil {
		return nil, err
	}
	refunds, err := s.transactions.ListRefundRequested(ctx, batch)
	if err != nil {
		return nil, err
	}
	settlements, err := s.settlements.ListUndispatched(ctx, batch)
	if err != nil {
		return nil, err
	}

	var pending []*models.Payment
	if !gateway.IsDisabled(s.adapter) {
		pollAfter := s.settings.PendingPollAfter
		if pollAfter <= 0 {
			pollAfter = 5 * time.Minute
		}
		pending, err = s.payments.ListPendingOlderThan(ctx, now.Add(-pollAfter), batch)
		if err != nil {
			return nil, err
		}
	}

	concurrency := s.settings.SweepConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	report := &SweepReport{}
	results := make(chan func(*SweepReport), len(expired)+len(released)+len(refunds)+len(settlements)+len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	run := func(kind, id string, work func(ctx context.Context) error, count func(*SweepReport)) {
		g.Go(func() error {
			if err := work(gctx); err != nil {
				s.log.WithError(err).WithField("sweep", kind).WithField("id", id).Warn("sweep step failed")
				results <- func(r *SweepReport) { r.Failed++ }
				return nil
			}
			results <- count
			return nil
		})
	}

	for _, transaction := range expired {
		id := transaction.GetID()
		run("escalate", id, func(ctx context.Context) error {
			_, err := s.escrow.Reevaluate(ctx, id)
			return err
		}, func(r *SweepReport) { r.Escalated++ })
	}
	for _, transaction := range released {
		id := transaction.GetID()
		run("settle", id, func(ctx context.Context) error {
			_, err := s.coordinator.Release(ctx, id, actorSystem)
			return err
		}, func(r *SweepReport) { r.Settled++ })
	}
	for _, transaction := range refunds {
		id := transaction.GetID()
		run("refund", id, func(ctx context.Context) error {
			_, err := s.coordinator.Refund(ctx, id, actorSystem)
			return err
		}, func(r *SweepReport) { r.Refunded++ })
	}
	for _, settlement := range settlements {
		// leave fresh settlements to the emit that follows their commit
		if settlement.CreatedAt.After(now.Add(-s.settings.SweepInterval)) {
			continue
		}
		run("dispatch", settlement.GetID(), func(ctx context.Context) error {
			s.emitPayout(ctx, settlement)
			return nil
		}, func(r *SweepReport) { r.Dispatched++ })
	}
	for _, payment := range pending {
		reference := payment.ProviderReference
		run("poll", reference, func(ctx context.Context) error {
			_, err := s.reconciler.PollPayment(ctx, reference)
			return err
		}, func(r *SweepReport) { r.Polled++ })
	}

	waitErr := g.Wait()
	close(results)
	for apply := range results {
		apply(report)
	}
	return report, waitErr
}
