package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/meterbill/internal/credit/domain"
	grantdomain "github.com/smallbiznis/meterbill/internal/grant/domain"
	"github.com/smallbiznis/meterbill/internal/invoice/domain"
	paydomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/smallbiznis/meterbill/internal/rating"
	subdomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FinalizeInvoice prices every item, applies credits, and pushes the
// result to the payment provider. Repricing is deterministic, so the
// finalize loop can safely re-run an invoice whose provider push failed.
func (s *Service) FinalizeInvoice(ctx context.Context, invoiceID snowflake.ID, now time.Time) (*domain.Invoice, error) {
	invoice, err := s.repo.Find(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, fmt.Errorf("invoice %d not found", invoiceID)
	}
	if invoice.Status != domain.StatusDraft && invoice.Status != domain.StatusUnpaid {
		return invoice, nil
	}
	if invoice.Status == domain.StatusUnpaid && invoice.InvoicePaymentProviderID != nil {
		return invoice, nil
	}

	phaseRow, err := s.subs.FindPhase(ctx, s.db, invoice.SubscriptionPhaseID)
	if err != nil {
		return nil, err
	}
	if phaseRow == nil {
		return nil, fmt.Errorf("invoice %d references missing phase %d", invoiceID, invoice.SubscriptionPhaseID)
	}
	phase, err := s.subs.LoadPhaseContext(ctx, s.db, *phaseRow)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := s.repo.ListItems(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}

		var subtotal int64
		for i := range items {
			if err := s.priceItem(ctx, tx, invoice, phase, &items[i], now); err != nil {
				return err
			}
			subtotal += items[i].AmountTotal
		}
		if err := s.repo.UpdateItemAmounts(ctx, tx, items); err != nil {
			return err
		}

		creditUsed, err := s.applyCredits(ctx, tx, invoice, subtotal, now)
		if err != nil {
			return err
		}

		invoice.Subtotal = subtotal
		invoice.AmountCreditUsed = creditUsed
		invoice.Total = subtotal - creditUsed
		if invoice.Total < 0 {
			invoice.Total = 0
		}
		if invoice.Total == 0 {
			invoice.Status = domain.StatusVoid
		} else {
			invoice.Status = domain.StatusUnpaid
		}
		issued := now
		invoice.IssueDate = &issued
		return s.repo.Save(ctx, tx, invoice)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice finalized",
		zap.Int64("invoice_id", invoice.ID.Int64()),
		zap.String("status", string(invoice.Status)),
		zap.Int64("subtotal_cents", invoice.Subtotal),
		zap.Int64("credit_used_cents", invoice.AmountCreditUsed),
		zap.Int64("total_cents", invoice.Total),
	)

	if invoice.Status != domain.StatusUnpaid {
		return invoice, nil
	}
	if err := s.pushProvider(ctx, invoice, now); err != nil {
		return invoice, err
	}
	return invoice, nil
}

// priceItem recomputes the item's quantity and amounts in place.
func (s *Service) priceItem(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice, phase *subdomain.PhaseContext, item *domain.InvoiceItem, now time.Time) error {
	if item.Kind == domain.ItemKindTrial {
		item.Quantity = 0
		item.UnitAmountCents = nil
		item.AmountSubtotal = 0
		item.AmountTotal = 0
		item.IsOverage = false
		return nil
	}
	if item.Kind != domain.ItemKindPeriod || item.SubscriptionItemID == nil {
		return nil
	}

	ic, err := itemContext(phase, *item.SubscriptionItemID)
	if err != nil {
		return err
	}

	quantity, err := s.itemQuantity(ctx, tx, invoice, *ic, item)
	if err != nil {
		return err
	}

	snapshot, err := s.featureSnapshot(ctx, tx, invoice, ic.Feature, now)
	if err != nil {
		return err
	}
	priced, err := rating.Price(snapshot, quantity)
	if err != nil {
		return err
	}

	factor := 1.0
	if item.ProrationFactor != nil {
		factor = *item.ProrationFactor
	}

	item.Quantity = quantity
	item.UnitAmountCents = nil
	if len(priced.Lines) == 1 {
		item.UnitAmountCents = priced.Lines[0].UnitAmountCents
	}
	item.IsOverage = false
	for _, line := range priced.Lines {
		if line.IsOverage {
			item.IsOverage = true
		}
	}
	item.AmountSubtotal = priced.TotalCents
	item.AmountTotal = rating.RoundMoney(float64(priced.TotalCents) * factor)
	return nil
}

// itemQuantity resolves the billable quantity for one item: fixed units
// when committed, otherwise the aggregated usage on the item's window.
// The _all aggregations accumulate across cycle resets, so they read the
// entitlement's carried total instead of a window query.
func (s *Service) itemQuantity(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice, ic subdomain.ItemContext, item *domain.InvoiceItem) (float64, error) {
	if ic.Item.Units != nil {
		return float64(*ic.Item.Units), nil
	}

	method := ic.Feature.AggregationMethod
	if method.IgnoresCycleReset() {
		ent, err := s.entitlements.FindByCustomerFeature(ctx, tx, invoice.ProjectID, invoice.CustomerID, ic.Feature.FeatureSlug)
		if err != nil {
			return 0, err
		}
		if ent == nil {
			return 0, nil
		}
		return ent.EffectiveUsage(), nil
	}
	return s.analytics.AggregateWindow(ctx, tx, ic.Item.ID, item.CycleStartAt, item.CycleEndAt, method.Base())
}

// featureSnapshot merges the customer's active grants for the feature.
// A customer without explicit grants still pays the plan's list price,
// so the plan config stands in as a single synthetic grant.
func (s *Service) featureSnapshot(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice, feature plandomain.FeaturePlanVersion, now time.Time) (*grantdomain.Snapshot, error) {
	active, err := s.grants.ListActiveForFeature(ctx, tx, invoice.ProjectID, invoice.CustomerID, feature.FeatureSlug, now)
	if err != nil {
		return nil, err
	}
	active = grantdomain.FilterActive(active, now)
	if len(active) == 0 {
		return &grantdomain.Snapshot{
			FeatureSlug:       feature.FeatureSlug,
			FeatureType:       feature.FeatureType,
			Limit:             feature.Limit,
			HardLimit:         feature.HardLimit,
			AggregationMethod: feature.AggregationMethod,
			Grants: []grantdomain.SnapshotGrant{{
				Limit:     feature.Limit,
				HardLimit: feature.HardLimit,
				Config:    feature.Config.Data(),
			}},
		}, nil
	}
	return grantdomain.Merge(active)
}

// applyCredits draws from the customer's credit grants in FIFO order,
// earliest expiry first, until the subtotal is covered. Each draw is an
// immutable application row.
func (s *Service) applyCredits(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice, subtotal int64, now time.Time) (int64, error) {
	if subtotal <= 0 {
		return 0, nil
	}

	grants, err := s.credits.ListApplicable(ctx, tx, invoice.ProjectID, invoice.CustomerID, invoice.Currency, invoice.PaymentProvider, now)
	if err != nil {
		return 0, err
	}

	var used int64
	for i := range grants {
		remaining := subtotal - used
		if remaining <= 0 {
			break
		}
		amount := grants[i].Available(now)
		if amount <= 0 {
			continue
		}
		if amount > remaining {
			amount = remaining
		}
		application := &creditdomain.InvoiceCreditApplication{
			ID:            s.genID.Generate(),
			ProjectID:     invoice.ProjectID,
			InvoiceID:     invoice.ID,
			CreditGrantID: grants[i].ID,
			AmountApplied: amount,
		}
		if err := s.credits.Apply(ctx, tx, &grants[i], application); err != nil {
			return 0, err
		}
		used += amount
	}
	return used, nil
}

// pushProvider mirrors the finalized invoice at the payment gateway.
// Runs outside the pricing transaction: a provider failure leaves the
// invoice unpaid without a provider id, which the finalize loop retries.
func (s *Service) pushProvider(ctx context.Context, invoice *domain.Invoice, now time.Time) error {
	provider, err := s.registry.Provider(invoice.PaymentProvider)
	if err != nil {
		return err
	}

	createReq := paydomain.CreateInvoiceRequest{
		CustomerRef: fmt.Sprintf("%d", invoice.CustomerID),
		Currency:    invoice.Currency,
		DueAt:       invoice.DueAt,
		Metadata: map[string]string{
			"invoice_id":      fmt.Sprintf("%d", invoice.ID),
			"subscription_id": fmt.Sprintf("%d", invoice.SubscriptionID),
		},
	}

	var remote *paydomain.ProviderInvoice
	if invoice.InvoicePaymentProviderID == nil {
		remote, err = provider.CreateInvoice(ctx, createReq)
	} else {
		remote, err = provider.UpdateInvoice(ctx, *invoice.InvoicePaymentProviderID, createReq)
	}
	if err != nil {
		return err
	}
	invoice.InvoicePaymentProviderID = &remote.ID
	invoice.InvoiceProviderURL = &remote.URL
	if err := s.repo.Save(ctx, s.db, invoice); err != nil {
		return err
	}

	items, err := s.repo.ListItems(ctx, s.db, invoice.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Kind == domain.ItemKindCreditApplied {
			continue
		}
		lineID, err := provider.AddInvoiceItem(ctx, paydomain.InvoiceLineRequest{
			ProviderInvoiceID:   remote.ID,
			SubscriptionItemRef: itemRef(item),
			Description:         item.Description,
			Quantity:            item.Quantity,
			AmountCents:         item.AmountTotal,
			Metadata:            map[string]string{"invoice_item_id": fmt.Sprintf("%d", item.ID)},
		})
		if err != nil {
			return err
		}
		if err := s.repo.SetItemProviderID(ctx, s.db, item.ID, lineID); err != nil {
			return err
		}
	}

	if invoice.AmountCreditUsed > 0 {
		_, err := provider.AddInvoiceItem(ctx, paydomain.InvoiceLineRequest{
			ProviderInvoiceID:   remote.ID,
			SubscriptionItemRef: fmt.Sprintf("credit:%d", invoice.ID),
			Description:         "credit applied",
			Quantity:            1,
			AmountCents:         -invoice.AmountCreditUsed,
		})
		if err != nil {
			return err
		}
	}

	finalized, err := provider.FinalizeInvoice(ctx, remote.ID)
	if err != nil {
		return err
	}
	if finalized.TotalCents != invoice.Total {
		reason := domain.FailureReasonProviderMismatch
		invoice.FailureReason = &reason
		if err := s.repo.Save(ctx, s.db, invoice); err != nil {
			return err
		}
		s.log.Error("provider total disagrees with internal total",
			zap.Int64("invoice_id", invoice.ID.Int64()),
			zap.Int64("internal_total_cents", invoice.Total),
			zap.Int64("provider_total_cents", finalized.TotalCents),
		)
		return nil
	}
	return nil
}

// itemRef is the stable provider upsert key for one line.
func itemRef(item domain.InvoiceItem) string {
	if item.SubscriptionItemID != nil && item.BillingPeriodID != nil {
		return fmt.Sprintf("item:%d:period:%d", *item.SubscriptionItemID, *item.BillingPeriodID)
	}
	return fmt.Sprintf("line:%d", item.ID)
}
