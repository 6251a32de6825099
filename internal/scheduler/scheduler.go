// Package scheduler runs the periodic billing loops. Every tick executes
// five jobs in a fixed order: billing period generation, renewals,
// invoice assembly, invoice finalization, and payment collection. Work
// on one subscription is guarded by its persisted lease so concurrent
// workers never interleave on the same subscription.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	bpdomain "github.com/smallbiznis/meterbill/internal/billingperiod/domain"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	"github.com/smallbiznis/meterbill/internal/observability/metrics"
	paydomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	subdomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"github.com/smallbiznis/meterbill/internal/subscription/lock"
	"github.com/smallbiznis/meterbill/internal/subscription/machine"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Retry budgets per job. Generation and machine dispatch are idempotent
// and can be retried; finalization and collection talk to the payment
// provider and get a single attempt per tick.
const (
	retriesGenerate = 3
	retriesSettle   = 1
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Config    config.Config
	Billing   *config.BillingConfigHolder
	Locker    *lock.Locker
	Invoices  invoicedomain.Repository
	Finalizer invoicedomain.Service
	Payments  paydomain.Service
	Machines  *machine.Factory
}

type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	cfg       config.Config
	billing   *config.BillingConfigHolder
	locker    *lock.Locker
	invoices  invoicedomain.Repository
	finalizer invoicedomain.Service
	payments  paydomain.Service
	machines  *machine.Factory
	metrics   *metrics.SchedulerMetrics

	cancel context.CancelFunc
	done   chan struct{}
}

func New(p Params) *Scheduler {
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler"),
		clock:     p.Clock,
		cfg:       p.Config,
		billing:   p.Billing,
		locker:    p.Locker,
		invoices:  p.Invoices,
		finalizer: p.Finalizer,
		payments:  p.Payments,
		machines:  p.Machines,
		metrics:   metrics.Scheduler(),
	}
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	s.log.Info("scheduler started", zap.Duration("interval", s.cfg.SchedulerInterval))
}

func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.SchedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			s.metrics.ObserveRunLoopLag(time.Since(tick))
			s.RunOnce(ctx)
		}
	}
}

type job struct {
	name string
	run  func(ctx context.Context, now time.Time) (int, error)
}

// workRef identifies one subscription's worth of work in a batch.
type workRef struct {
	ProjectID      snowflake.ID
	SubscriptionID snowflake.ID
}

// RunOnce executes one full pass: lease recovery sweep, then the five
// jobs in dependency order so work created earlier in the pass is
// picked up later in the same pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.clock.Now().UTC()

	if swept, err := s.locker.ReleaseExpired(ctx, s.db, now); err != nil {
		s.log.Warn("lease sweep failed", zap.Error(err))
	} else if swept > 0 {
		s.log.Info("released expired leases", zap.Int64("count", swept))
	}

	jobs := []job{
		{metrics.SchedulerJobPeriods, s.runPeriods},
		{metrics.SchedulerJobRenew, s.runRenew},
		{metrics.SchedulerJobInvoicing, s.runInvoicing},
		{metrics.SchedulerJobFinalize, s.runFinalize},
		{metrics.SchedulerJobBilling, s.runBilling},
	}
	for _, j := range jobs {
		s.runJob(ctx, j, now)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j job, now time.Time) {
	s.metrics.IncJobRun(j.name)
	started := time.Now()

	jctx, cancel := context.WithTimeout(ctx, s.cfg.SchedulerInterval)
	defer cancel()

	processed, err := j.run(jctx, now)
	s.metrics.ObserveJobDuration(j.name, time.Since(started))
	if errors.Is(jctx.Err(), context.DeadlineExceeded) {
		s.metrics.IncJobTimeout(j.name)
	}
	if err != nil {
		s.metrics.IncJobError(j.name, err)
		s.log.Warn("scheduler job finished with errors",
			zap.String("job", j.name),
			zap.Int("processed", processed),
			zap.Error(err),
		)
		return
	}
	s.log.Debug("scheduler job finished",
		zap.String("job", j.name),
		zap.Int("processed", processed),
	)
}

func (s *Scheduler) runPeriods(ctx context.Context, now time.Time) (int, error) {
	refs, err := s.subscriptionsForPeriods(ctx, now, s.billing.Get().BatchPeriods)
	if err != nil {
		return 0, err
	}
	processed, firstErr := s.fanOut(ctx, metrics.SchedulerJobPeriods, refs, now,
		machine.Event{Type: machine.EventBillingPeriod, At: now}, machine.DefaultWaitTimeout, retriesGenerate)
	s.metrics.AddBatchProcessed(metrics.SchedulerJobPeriods, metrics.LockResourceSubscriptionsForWork, processed)
	return processed, firstErr
}

func (s *Scheduler) runRenew(ctx context.Context, now time.Time) (int, error) {
	refs, err := s.subscriptionsForRenew(ctx, now, s.billing.Get().BatchRenew)
	if err != nil {
		return 0, err
	}
	processed, firstErr := s.fanOut(ctx, metrics.SchedulerJobRenew, refs, now,
		machine.Event{Type: machine.EventRenew, At: now}, machine.RenewWaitTimeout, retriesGenerate)
	s.metrics.AddBatchProcessed(metrics.SchedulerJobRenew, metrics.LockResourceSubscriptionsForWork, processed)
	return processed, firstErr
}

func (s *Scheduler) runInvoicing(ctx context.Context, now time.Time) (int, error) {
	refs, err := s.subscriptionsForInvoicing(ctx, now, s.billing.Get().BatchInvoicing)
	if err != nil {
		return 0, err
	}
	processed, firstErr := s.fanOut(ctx, metrics.SchedulerJobInvoicing, refs, now,
		machine.Event{Type: machine.EventInvoice, At: now}, machine.InvoiceWaitTimeout, retriesGenerate)
	s.metrics.AddBatchProcessed(metrics.SchedulerJobInvoicing, metrics.LockResourcePeriodsForWork, processed)
	return processed, firstErr
}

func (s *Scheduler) runFinalize(ctx context.Context, now time.Time) (int, error) {
	invoices, err := s.invoices.ListFinalizable(ctx, s.db, now, s.billing.Get().BatchInvoicing)
	if err != nil {
		return 0, err
	}

	var processed int
	var firstErr error
	for _, inv := range invoices {
		ref := workRef{ProjectID: inv.ProjectID, SubscriptionID: inv.SubscriptionID}
		invoiceID := inv.ID
		err := s.withLease(ctx, metrics.SchedulerJobFinalize, ref, now, func() error {
			return s.retry(retriesSettle, func() error {
				_, err := s.finalizer.FinalizeInvoice(ctx, invoiceID, now)
				return err
			})
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		processed++
	}
	s.metrics.AddBatchProcessed(metrics.SchedulerJobFinalize, metrics.LockResourceInvoicesForWork, processed)
	return processed, firstErr
}

func (s *Scheduler) runBilling(ctx context.Context, now time.Time) (int, error) {
	invoices, err := s.invoices.ListCollectible(ctx, s.db, now, s.billing.Get().BatchBilling)
	if err != nil {
		return 0, err
	}

	var processed int
	var firstErr error
	for _, inv := range invoices {
		ref := workRef{ProjectID: inv.ProjectID, SubscriptionID: inv.SubscriptionID}
		invoiceID := inv.ID
		err := s.withLease(ctx, metrics.SchedulerJobBilling, ref, now, func() error {
			return s.retry(retriesSettle, func() error {
				return s.collect(ctx, ref, invoiceID, now)
			})
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		processed++
	}
	s.metrics.AddBatchProcessed(metrics.SchedulerJobBilling, metrics.LockResourceInvoicesForWork, processed)
	return processed, firstErr
}

// collect runs one payment attempt and feeds the outcome back into the
// subscription machine.
func (s *Scheduler) collect(ctx context.Context, ref workRef, invoiceID snowflake.ID, now time.Time) error {
	_, outcome, err := s.payments.CollectInvoice(ctx, invoiceID, now)
	if err != nil {
		return err
	}

	var eventType machine.EventType
	switch outcome {
	case paydomain.OutcomePaid:
		eventType = machine.EventPaymentSuccess
	case paydomain.OutcomeFailed, paydomain.OutcomeExpired:
		eventType = machine.EventPaymentFailure
	default:
		return nil
	}
	return s.sendEvent(ctx, ref, machine.Event{Type: eventType, At: now}, machine.DefaultWaitTimeout)
}

// fanOut dispatches one machine event per subscription under its lease.
// Guard rejections and terminal machines are normal outcomes of stale
// worklists and do not count as errors.
func (s *Scheduler) fanOut(ctx context.Context, jobName string, refs []workRef, now time.Time, ev machine.Event, timeout time.Duration, attempts int) (int, error) {
	var processed int
	var firstErr error
	for _, ref := range refs {
		ref := ref
		err := s.withLease(ctx, jobName, ref, now, func() error {
			return s.retry(attempts, func() error {
				return s.sendEvent(ctx, ref, ev, timeout)
			})
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		processed++
	}
	return processed, firstErr
}

func (s *Scheduler) sendEvent(ctx context.Context, ref workRef, ev machine.Event, timeout time.Duration) error {
	m := s.machines.Machine(ref.ProjectID, ref.SubscriptionID)
	defer m.Close()

	_, err := m.SendAndWait(ctx, ev, timeout)
	var guard *machine.GuardError
	if errors.As(err, &guard) || errors.Is(err, subdomain.ErrInvalidTransition) {
		s.log.Debug("machine declined event",
			zap.Int64("subscription_id", ref.SubscriptionID.Int64()),
			zap.String("event", string(ev.Type)),
			zap.Error(err),
		)
		return nil
	}
	return err
}

func (s *Scheduler) withLease(ctx context.Context, jobName string, ref workRef, now time.Time, fn func() error) error {
	lease, err := s.locker.Acquire(ctx, s.db, ref.ProjectID, ref.SubscriptionID, now, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	if lease == nil {
		s.metrics.IncLeaseContended(jobName)
		s.metrics.IncBatchDeferred(jobName, metrics.SchedulerBatchDeferredReasonLeaseHeld)
		return nil
	}
	s.metrics.IncLeaseAcquired(jobName)
	defer func() {
		if err := s.locker.Release(ctx, s.db, lease); err != nil {
			s.log.Warn("lease release failed",
				zap.Int64("subscription_id", ref.SubscriptionID.Int64()),
				zap.Error(err),
			)
		}
	}()
	return fn()
}

func (s *Scheduler) retry(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !metrics.IsSchedulerErrorRetryable(err) {
			return err
		}
	}
	return err
}

// Periods are due for generation on every subscription whose phase has
// started; phases closed within the last week are still swept so their
// final arrear periods materialize.
func (s *Scheduler) subscriptionsForPeriods(ctx context.Context, now time.Time, limit int) ([]workRef, error) {
	var refs []workRef
	err := s.db.WithContext(ctx).
		Table("subscription_phases AS p").
		Select("DISTINCT s.project_id AS project_id, s.id AS subscription_id").
		Joins("JOIN subscriptions s ON s.id = p.subscription_id").
		Where("s.active = ?", true).
		Where("p.start_at <= ?", now).
		Where("p.end_at IS NULL OR p.end_at >= ?", now.AddDate(0, 0, -7)).
		Limit(limit).
		Scan(&refs).Error
	return refs, err
}

func (s *Scheduler) subscriptionsForRenew(ctx context.Context, now time.Time, limit int) ([]workRef, error) {
	var refs []workRef
	err := s.db.WithContext(ctx).
		Table("subscription_phases AS p").
		Select("DISTINCT s.project_id AS project_id, s.id AS subscription_id").
		Joins("JOIN subscriptions s ON s.id = p.subscription_id").
		Where("s.active = ?", true).
		Where("s.status NOT IN ?", []subdomain.Status{subdomain.StatusCanceled, subdomain.StatusExpired}).
		Where("p.renew_at IS NOT NULL AND p.renew_at <= ?", now).
		Where("p.end_at IS NULL OR p.end_at > ?", now).
		Limit(limit).
		Scan(&refs).Error
	return refs, err
}

func (s *Scheduler) subscriptionsForInvoicing(ctx context.Context, now time.Time, limit int) ([]workRef, error) {
	var refs []workRef
	err := s.db.WithContext(ctx).
		Table("billing_periods AS bp").
		Select("DISTINCT bp.project_id AS project_id, bp.subscription_id AS subscription_id").
		Where("bp.status = ? AND bp.invoice_at <= ?", bpdomain.StatusPending, now).
		Limit(limit).
		Scan(&refs).Error
	return refs, err
}
