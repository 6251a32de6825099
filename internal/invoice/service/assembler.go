package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	bpdomain "github.com/smallbiznis/meterbill/internal/billingperiod/domain"
	"github.com/smallbiznis/meterbill/internal/calendar"
	"github.com/smallbiznis/meterbill/internal/invoice/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subdomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AssembleInvoices groups the subscription's pending due billing periods
// by (phase, statementKey) and turns each group into one draft invoice.
// Conflicts on the statement and item uniqueness indexes mean another
// worker got there first and are not errors.
func (s *Service) AssembleInvoices(ctx context.Context, req domain.AssembleRequest) ([]domain.Invoice, error) {
	pending, err := s.periods.ListPendingDue(ctx, s.db, req.Sub.ID, req.Now)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	type groupKey struct {
		phaseID      snowflake.ID
		statementKey string
	}
	groups := map[groupKey][]bpdomain.BillingPeriod{}
	var order []groupKey
	for _, period := range pending {
		key := groupKey{phaseID: period.SubscriptionPhaseID, statementKey: period.StatementKey}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], period)
	}

	phases := map[snowflake.ID]*subdomain.PhaseContext{}
	if req.Phase != nil {
		phases[req.Phase.Phase.ID] = req.Phase
	}

	var out []domain.Invoice
	for _, key := range order {
		phase, err := s.phaseContext(ctx, phases, key.phaseID)
		if err != nil {
			return nil, err
		}
		invoice, err := s.assembleGroup(ctx, req, phase, groups[key])
		if err != nil {
			return nil, err
		}
		if invoice != nil {
			out = append(out, *invoice)
		}
	}
	return out, nil
}

// phaseContext resolves the phase a period group belongs to. Mid-cycle
// changes leave pending periods on the closed phase, so the group's
// phase is not always the active one.
func (s *Service) phaseContext(ctx context.Context, cache map[snowflake.ID]*subdomain.PhaseContext, phaseID snowflake.ID) (*subdomain.PhaseContext, error) {
	if phase, ok := cache[phaseID]; ok {
		return phase, nil
	}
	row, err := s.subs.FindPhase(ctx, s.db, phaseID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("billing periods reference missing phase %d", phaseID)
	}
	phase, err := s.subs.LoadPhaseContext(ctx, s.db, *row)
	if err != nil {
		return nil, err
	}
	cache[phaseID] = phase
	return phase, nil
}

func (s *Service) assembleGroup(ctx context.Context, req domain.AssembleRequest, phase *subdomain.PhaseContext, group []bpdomain.BillingPeriod) (*domain.Invoice, error) {
	plan := phase.Plan
	invoiceAt := group[0].InvoiceAt
	dueAt := invoiceAt.Add(s.postInvoiceGrace(phase, group[0].WhenToBill))

	pastDueAt := dueAt
	if grace := plan.GracePeriod.Data(); grace.Interval != "" {
		pastDueAt = calendar.NextDateAfter(dueAt, calendar.GracePeriod{Interval: grace.Interval, Units: grace.Units})
	}

	stmtStart, stmtEnd := group[0].CycleStartAt, group[0].CycleEndAt
	for _, period := range group[1:] {
		if period.CycleStartAt.Before(stmtStart) {
			stmtStart = period.CycleStartAt
		}
		if period.CycleEndAt.After(stmtEnd) {
			stmtEnd = period.CycleEndAt
		}
	}

	invoice := &domain.Invoice{
		ID:                  s.genID.Generate(),
		ProjectID:           req.Sub.ProjectID,
		SubscriptionID:      req.Sub.ID,
		SubscriptionPhaseID: phase.Phase.ID,
		CustomerID:          req.Customer.ID,
		Status:              domain.StatusDraft,
		StatementKey:        group[0].StatementKey,
		StatementStartAt:    stmtStart,
		StatementEndAt:      stmtEnd,
		CycleStartAt:        stmtStart,
		CycleEndAt:          stmtEnd,
		DueAt:               dueAt,
		PastDueAt:           pastDueAt,
		PaymentMethodID:     phase.Phase.PaymentMethodID,
		PaymentProvider:     plan.PaymentProvider,
		Currency:            plan.Currency,
		WhenToBill:          plan.WhenToBill,
		CollectionMethod:    plan.CollectionMethod,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertDraft(ctx, tx, invoice)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindByStatementKey(ctx, tx, req.Sub.ProjectID, req.Sub.ID, req.Customer.ID, group[0].StatementKey)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("statement %s conflicted but no invoice found", group[0].StatementKey)
			}
			if existing.Status != domain.StatusDraft {
				s.log.Warn("pending periods target a non-draft invoice, leaving them pending",
					zap.Int64("invoice_id", existing.ID.Int64()),
					zap.String("status", string(existing.Status)),
				)
				invoice = nil
				return nil
			}
			invoice = existing
		}

		periodIDs := make([]snowflake.ID, 0, len(group))
		for _, period := range group {
			item, err := s.buildItem(invoice, phase, period)
			if err != nil {
				return err
			}
			if _, err := s.repo.InsertItem(ctx, tx, item); err != nil {
				return err
			}
			periodIDs = append(periodIDs, period.ID)
		}
		return s.periods.MarkInvoiced(ctx, tx, periodIDs, invoice.ID)
	})
	if err != nil {
		return nil, err
	}
	if invoice != nil {
		s.log.Debug("invoice assembled",
			zap.Int64("invoice_id", invoice.ID.Int64()),
			zap.Int64("subscription_id", req.Sub.ID.Int64()),
			zap.Int("periods", len(group)),
			zap.Time("due_at", dueAt),
		)
	}
	return invoice, nil
}

// postInvoiceGrace is the delay between invoiceAt and dueAt. Minute
// plans get a tight window; otherwise advance invoices are due sooner
// than arrear ones.
func (s *Service) postInvoiceGrace(phase *subdomain.PhaseContext, whenToBill plandomain.WhenToBill) time.Duration {
	billing := s.billing.Get()
	if phase.Plan.BillingConfig.Data().Interval == calendar.IntervalMinute {
		return billing.GraceMinuteInterval
	}
	if whenToBill == plandomain.PayInAdvance {
		return billing.GraceAdvance
	}
	return billing.GraceArrear
}

func (s *Service) buildItem(invoice *domain.Invoice, phase *subdomain.PhaseContext, period bpdomain.BillingPeriod) (*domain.InvoiceItem, error) {
	ic, err := itemContext(phase, period.SubscriptionItemID)
	if err != nil {
		return nil, err
	}

	factor, err := calendar.ProrationFactor(period.CycleStartAt, period.CycleEndAt, calendarInput(phase, *ic))
	if err != nil {
		return nil, err
	}

	kind := domain.ItemKindPeriod
	if period.Type == bpdomain.TypeTrial {
		kind = domain.ItemKindTrial
		factor = 0
	}

	periodID := period.ID
	itemID := period.SubscriptionItemID
	fpvID := ic.Feature.ID
	return &domain.InvoiceItem{
		ID:                   s.genID.Generate(),
		ProjectID:            invoice.ProjectID,
		InvoiceID:            invoice.ID,
		BillingPeriodID:      &periodID,
		SubscriptionItemID:   &itemID,
		FeaturePlanVersionID: &fpvID,
		Kind:                 kind,
		CycleStartAt:         period.CycleStartAt,
		CycleEndAt:           period.CycleEndAt,
		ProrationFactor:      &factor,
		Description: fmt.Sprintf("%s %s to %s", ic.Feature.FeatureSlug,
			period.CycleStartAt.Format("2006-01-02"), period.CycleEndAt.Format("2006-01-02")),
	}, nil
}

func itemContext(phase *subdomain.PhaseContext, subscriptionItemID snowflake.ID) (*subdomain.ItemContext, error) {
	for i := range phase.Items {
		if phase.Items[i].Item.ID == subscriptionItemID {
			return &phase.Items[i], nil
		}
	}
	return nil, fmt.Errorf("billing period references item %d missing from phase %d", subscriptionItemID, phase.Phase.ID)
}

// calendarInput rebuilds the recurrence input the period was cut from,
// falling back to the plan's billing config when the item has none.
func calendarInput(phase *subdomain.PhaseContext, ic subdomain.ItemContext) calendar.Input {
	cfg := ic.Feature.BillingConfig.Data()
	if cfg.Interval == "" {
		cfg = phase.Plan.BillingConfig.Data()
	}
	return calendar.Input{
		EffectiveStart: phase.Phase.StartAt,
		EffectiveEnd:   phase.Phase.EndAt,
		TrialEnd:       phase.Phase.TrialEndsAt,
		Config: calendar.BillingConfig{
			Interval:      cfg.Interval,
			IntervalCount: cfg.IntervalCount,
			Anchor:        cfg.Anchor,
			PlanType:      cfg.PlanType,
		},
	}
}
