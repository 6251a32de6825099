// Package service implements the billing period materializer.
package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/billingperiod/domain"
	"github.com/smallbiznis/meterbill/internal/calendar"
	creditdomain "github.com/smallbiznis/meterbill/internal/credit/domain"
	customerdomain "github.com/smallbiznis/meterbill/internal/customer/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/smallbiznis/meterbill/internal/rating"
	subdomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Periods domain.Repository
	Credits creditdomain.Repository
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	periods domain.Repository
	credits creditdomain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("billingperiod.service"),
		genID:   p.GenID,
		periods: p.Periods,
		credits: p.Credits,
	}
}

// GenerateBillingPeriods materializes the current cycle of every item
// on the phase. Conflicts on the period uniqueness index mean another
// worker got there first and are not errors.
func (s *Service) GenerateBillingPeriods(ctx context.Context, sub *subdomain.Subscription, customer *customerdomain.Customer, phase *subdomain.PhaseContext, now time.Time) (domain.GenerateResult, error) {
	var created int

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ic := range phase.Items {
			window, err := s.itemWindow(phase, ic, now)
			if err != nil {
				return err
			}
			if window == nil {
				continue
			}

			period := s.buildPeriod(sub, customer, phase, ic, *window)
			inserted, err := s.periods.Insert(ctx, tx, period)
			if err != nil {
				return err
			}
			if inserted {
				created++
				s.log.Debug("billing period materialized",
					zap.Int64("subscription_id", sub.ID.Int64()),
					zap.Int64("subscription_item_id", ic.Item.ID.Int64()),
					zap.Time("cycle_start_at", window.Start),
					zap.Time("cycle_end_at", window.End),
				)
			}
		}
		return nil
	})
	if err != nil {
		return domain.GenerateResult{}, err
	}

	due, err := s.periods.CountPendingDue(ctx, s.db, sub.ID, now)
	if err != nil {
		return domain.GenerateResult{}, err
	}
	return domain.GenerateResult{Created: created, HasDueBillingPeriods: due > 0}, nil
}

func (s *Service) itemWindow(phase *subdomain.PhaseContext, ic subdomain.ItemContext, now time.Time) (*calendar.Window, error) {
	cfg := ic.Feature.BillingConfig.Data()
	if cfg.Interval == "" {
		cfg = phase.Plan.BillingConfig.Data()
	}
	return calendar.CycleWindow(now, calendar.Input{
		EffectiveStart: phase.Phase.StartAt,
		EffectiveEnd:   phase.Phase.EndAt,
		TrialEnd:       phase.Phase.TrialEndsAt,
		Config: calendar.BillingConfig{
			Interval:      cfg.Interval,
			IntervalCount: cfg.IntervalCount,
			Anchor:        cfg.Anchor,
			PlanType:      cfg.PlanType,
		},
	})
}

func (s *Service) buildPeriod(sub *subdomain.Subscription, customer *customerdomain.Customer, phase *subdomain.PhaseContext, ic subdomain.ItemContext, window calendar.Window) *domain.BillingPeriod {
	plan := phase.Plan

	invoiceAt := window.End
	if plan.WhenToBill == plandomain.PayInAdvance {
		invoiceAt = window.Start
	}

	period := &domain.BillingPeriod{
		ID:                  s.genID.Generate(),
		ProjectID:           sub.ProjectID,
		SubscriptionID:      sub.ID,
		SubscriptionPhaseID: phase.Phase.ID,
		SubscriptionItemID:  ic.Item.ID,
		CycleStartAt:        window.Start,
		CycleEndAt:          window.End,
		Status:              domain.StatusPending,
		Type:                domain.TypeNormal,
		WhenToBill:          plan.WhenToBill,
		InvoiceAt:           invoiceAt,
		StatementKey: domain.StatementKey(
			sub.ProjectID, customer.ID, sub.ID,
			invoiceAt, plan.Currency, plan.PaymentProvider, plan.CollectionMethod,
		),
	}

	if phase.Phase.TrialEndsAt != nil && window.Start.Before(*phase.Phase.TrialEndsAt) {
		period.Type = domain.TypeTrial
		zero := int64(0)
		period.AmountEstimateCents = &zero
	}
	return period
}

// MidCycleSplit settles the outgoing phase at the change point. Arrear
// phases owe for [cycleStart, now): each item gets a mid_cycle_change
// period billed immediately. Advance phases already paid the full
// cycle, so the unused tail comes back as a credit grant.
func (s *Service) MidCycleSplit(ctx context.Context, req domain.MidCycleSplitRequest) (*creditdomain.CreditGrant, error) {
	phase := req.Outgoing
	plan := phase.Plan
	cycleStart := phase.Phase.CurrentCycleStartAt
	cycleEnd := phase.Phase.CurrentCycleEndAt

	if plan.WhenToBill == plandomain.PayInArrear {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, ic := range phase.Items {
				period := &domain.BillingPeriod{
					ID:                  s.genID.Generate(),
					ProjectID:           req.Sub.ProjectID,
					SubscriptionID:      req.Sub.ID,
					SubscriptionPhaseID: phase.Phase.ID,
					SubscriptionItemID:  ic.Item.ID,
					CycleStartAt:        cycleStart,
					CycleEndAt:          req.Now,
					Status:              domain.StatusPending,
					Type:                domain.TypeMidCycleChange,
					WhenToBill:          plan.WhenToBill,
					InvoiceAt:           req.Now,
					StatementKey: domain.StatementKey(
						req.Sub.ProjectID, req.Customer.ID, req.Sub.ID,
						req.Now, plan.Currency, plan.PaymentProvider, plan.CollectionMethod,
					),
				}
				if _, err := s.periods.Insert(ctx, tx, period); err != nil {
					return err
				}
			}
			return nil
		})
		return nil, err
	}

	remaining := cycleEnd.Sub(req.Now)
	full := cycleEnd.Sub(cycleStart)
	if req.PaidAmountCents <= 0 || remaining <= 0 || full <= 0 {
		return nil, nil
	}

	amount := rating.RoundMoney(float64(req.PaidAmountCents) * remaining.Seconds() / full.Seconds())
	if amount <= 0 {
		return nil, nil
	}

	grant := &creditdomain.CreditGrant{
		ID:              s.genID.Generate(),
		ProjectID:       req.Sub.ProjectID,
		CustomerID:      req.Customer.ID,
		Currency:        plan.Currency,
		PaymentProvider: plan.PaymentProvider,
		TotalAmount:     amount,
		Active:          true,
		Reason:          creditdomain.ReasonMidCycleChange,
	}
	if err := s.credits.Create(ctx, s.db, grant); err != nil {
		return nil, err
	}
	s.log.Info("mid cycle change credit issued",
		zap.Int64("subscription_id", req.Sub.ID.Int64()),
		zap.Int64("credit_grant_id", grant.ID.Int64()),
		zap.Int64("amount_cents", amount),
	)
	return grant, nil
}
