// Package service implements customer-facing subscription operations on
// top of the lifecycle machine. Machine-driven mutations take the
// subscription's lease so scheduler passes and API calls never
// interleave on the same subscription.
package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/calendar"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	customerdomain "github.com/smallbiznis/meterbill/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/smallbiznis/meterbill/internal/subscription/domain"
	"github.com/smallbiznis/meterbill/internal/subscription/lock"
	"github.com/smallbiznis/meterbill/internal/subscription/machine"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Subs      domain.Repository
	Customers customerdomain.Repository
	Plans     plandomain.Repository
	Invoices  invoicedomain.Repository
	Machines  *machine.Factory
	Locker    *lock.Locker
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.Config
	subs      domain.Repository
	customers customerdomain.Repository
	plans     plandomain.Repository
	invoices  invoicedomain.Repository
	machines  *machine.Factory
	locker    *lock.Locker
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("subscription.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Config,
		subs:      p.Subs,
		customers: p.Customers,
		plans:     p.Plans,
		invoices:  p.Invoices,
		machines:  p.Machines,
		locker:    p.Locker,
	}
}

func (s *Service) CreateSubscription(ctx context.Context, req domain.CreateRequest) (*domain.Subscription, error) {
	startAt := req.StartAt
	if startAt.IsZero() {
		startAt = s.clock.Now()
	}
	startAt = startAt.UTC()

	customer, err := s.customers.FindCustomer(ctx, s.db, req.ProjectID, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer == nil || !customer.Active {
		return nil, domain.ErrInvalidCustomer
	}

	plan, err := s.plans.FindVersion(ctx, s.db, req.ProjectID, req.PlanSlug, req.PlanVersion)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrInvalidPlanVersion
	}
	features, err := s.plans.ListFeatures(ctx, s.db, plan.ID)
	if err != nil {
		return nil, err
	}

	var trialEnd *time.Time
	if plan.TrialDays > 0 {
		t := startAt.AddDate(0, 0, plan.TrialDays)
		trialEnd = &t
	}

	cfg := plan.BillingConfig.Data()
	window, err := calendar.CycleWindow(startAt, calendar.Input{
		EffectiveStart: startAt,
		TrialEnd:       trialEnd,
		Config: calendar.BillingConfig{
			Interval:      cfg.Interval,
			IntervalCount: cfg.IntervalCount,
			Anchor:        cfg.Anchor,
			PlanType:      cfg.PlanType,
		},
	})
	if err != nil {
		return nil, err
	}
	if window == nil {
		return nil, domain.ErrInvalidPlanVersion
	}

	status := domain.StatusActive
	if trialEnd != nil {
		status = domain.StatusTrialing
	}
	timezone := req.Timezone
	if timezone == "" {
		timezone = customer.Timezone
	}

	sub := &domain.Subscription{
		ID:                  s.genID.Generate(),
		ProjectID:           req.ProjectID,
		CustomerID:          req.CustomerID,
		Status:              status,
		Active:              true,
		PlanSlug:            plan.PlanSlug,
		CurrentCycleStartAt: window.Start,
		CurrentCycleEndAt:   window.End,
		Timezone:            timezone,
	}
	renewAt := window.End
	phase := &domain.SubscriptionPhase{
		ID:                  s.genID.Generate(),
		ProjectID:           req.ProjectID,
		SubscriptionID:      sub.ID,
		PlanVersionID:       plan.ID,
		PaymentMethodID:     req.PaymentMethodID,
		TrialEndsAt:         trialEnd,
		StartAt:             startAt,
		CurrentCycleStartAt: window.Start,
		CurrentCycleEndAt:   window.End,
		RenewAt:             &renewAt,
		BillingAnchor:       cfg.Anchor,
	}
	items := s.buildItems(req.ProjectID, sub.ID, phase.ID, features, req.Units)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.subs.CreateSubscription(ctx, tx, sub); err != nil {
			return err
		}
		return s.subs.CreatePhase(ctx, tx, phase, items)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription created",
		zap.Int64("subscription_id", sub.ID.Int64()),
		zap.Int64("customer_id", customer.ID.Int64()),
		zap.String("plan_slug", plan.PlanSlug),
		zap.String("status", string(status)),
	)
	return sub, nil
}

func (s *Service) CancelSubscription(ctx context.Context, projectID, subscriptionID snowflake.ID, now time.Time) (*domain.Subscription, error) {
	if now.IsZero() {
		now = s.clock.Now()
	}
	now = now.UTC()

	lease, err := s.locker.Acquire(ctx, s.db, projectID, subscriptionID, now, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, domain.ErrSubscriptionBusy
	}
	defer s.release(ctx, lease)

	m := s.machines.Machine(projectID, subscriptionID)
	defer m.Close()
	if _, err := m.SendAndWait(ctx, machine.Event{Type: machine.EventCancel, At: now}, machine.DefaultWaitTimeout); err != nil {
		return nil, err
	}
	return s.subs.FindSubscription(ctx, s.db, projectID, subscriptionID)
}

func (s *Service) ChangePlan(ctx context.Context, req domain.ChangeRequest) (*domain.Subscription, error) {
	now := req.Now
	if now.IsZero() {
		now = s.clock.Now()
	}
	now = now.UTC()

	plan, err := s.plans.FindVersion(ctx, s.db, req.ProjectID, req.PlanSlug, req.PlanVersion)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrInvalidPlanVersion
	}
	features, err := s.plans.ListFeatures(ctx, s.db, plan.ID)
	if err != nil {
		return nil, err
	}

	lease, err := s.locker.Acquire(ctx, s.db, req.ProjectID, req.SubscriptionID, now, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, domain.ErrSubscriptionBusy
	}
	defer s.release(ctx, lease)

	paid, err := s.prepaidAmount(ctx, req.SubscriptionID, now)
	if err != nil {
		return nil, err
	}

	m := s.machines.Machine(req.ProjectID, req.SubscriptionID)
	defer m.Close()
	_, err = m.SendAndWait(ctx, machine.Event{
		Type: machine.EventChange,
		At:   now,
		Change: &machine.ChangeSpec{
			PlanVersion:     *plan,
			Items:           s.buildItems(req.ProjectID, req.SubscriptionID, 0, features, req.Units),
			PaymentMethodID: req.PaymentMethodID,
			PaidAmountCents: paid,
		},
	}, machine.DefaultWaitTimeout)
	if err != nil {
		return nil, err
	}
	return s.subs.FindSubscription(ctx, s.db, req.ProjectID, req.SubscriptionID)
}

// prepaidAmount is what the customer paid up front for the outgoing
// cycle. Arrear phases have nothing prepaid.
func (s *Service) prepaidAmount(ctx context.Context, subscriptionID snowflake.ID, now time.Time) (int64, error) {
	phase, err := s.subs.ActivePhase(ctx, s.db, subscriptionID, now)
	if err != nil || phase == nil {
		return 0, err
	}
	invoice, err := s.invoices.FindLastPaid(ctx, s.db, subscriptionID, phase.ID)
	if err != nil || invoice == nil {
		return 0, err
	}
	if invoice.WhenToBill != plandomain.PayInAdvance {
		return 0, nil
	}
	return invoice.Total, nil
}

func (s *Service) buildItems(projectID, subscriptionID, phaseID snowflake.ID, features []plandomain.FeaturePlanVersion, units map[string]int64) []*domain.SubscriptionItem {
	items := make([]*domain.SubscriptionItem, 0, len(features))
	for _, f := range features {
		item := &domain.SubscriptionItem{
			ID:                   s.genID.Generate(),
			ProjectID:            projectID,
			SubscriptionID:       subscriptionID,
			SubscriptionPhaseID:  phaseID,
			FeaturePlanVersionID: f.ID,
		}
		if u, ok := units[f.FeatureSlug]; ok {
			v := u
			item.Units = &v
		}
		items = append(items, item)
	}
	return items
}

func (s *Service) release(ctx context.Context, lease *lock.Lease) {
	if err := s.locker.Release(ctx, s.db, lease); err != nil {
		s.log.Warn("lease release failed",
			zap.Int64("subscription_id", lease.SubscriptionID.Int64()),
			zap.Error(err),
		)
	}
}
