package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
	analyticsrepo "github.com/smallbiznis/meterbill/internal/analytics/repository"
	bpdomain "github.com/smallbiznis/meterbill/internal/billingperiod/domain"
	bprepo "github.com/smallbiznis/meterbill/internal/billingperiod/repository"
	"github.com/smallbiznis/meterbill/internal/calendar"
	"github.com/smallbiznis/meterbill/internal/config"
	creditdomain "github.com/smallbiznis/meterbill/internal/credit/domain"
	creditrepo "github.com/smallbiznis/meterbill/internal/credit/repository"
	customerdomain "github.com/smallbiznis/meterbill/internal/customer/domain"
	entrepo "github.com/smallbiznis/meterbill/internal/entitlement/repository"
	grantdomain "github.com/smallbiznis/meterbill/internal/grant/domain"
	grantrepo "github.com/smallbiznis/meterbill/internal/grant/repository"
	"github.com/smallbiznis/meterbill/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/meterbill/internal/invoice/repository"
	paydomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	"github.com/smallbiznis/meterbill/internal/payment/provider"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subdomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	subrepo "github.com/smallbiznis/meterbill/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type stubRegistry struct {
	provider paydomain.Provider
}

func (r stubRegistry) Provider(string) (paydomain.Provider, error) {
	return r.provider, nil
}

type invoiceFixture struct {
	db   *gorm.DB
	node *snowflake.Node
	svc  domain.Service
	fake *provider.Fake
	sub  *subdomain.Subscription
	cust *customerdomain.Customer
}

func setupInvoice(t *testing.T) *invoiceFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Invoice{},
		&domain.InvoiceItem{},
		&bpdomain.BillingPeriod{},
		&creditdomain.CreditGrant{},
		&creditdomain.InvoiceCreditApplication{},
		&subdomain.SubscriptionPhase{},
		&subdomain.SubscriptionItem{},
		&plandomain.PlanVersion{},
		&plandomain.FeaturePlanVersion{},
		&grantdomain.Grant{},
		&analyticsdomain.UsageEvent{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	fake := provider.NewFake()
	svc := New(Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Repo:         invoicerepo.Provide(),
		Periods:      bprepo.Provide(),
		Credits:      creditrepo.Provide(),
		Grants:       grantrepo.Provide(),
		Entitlements: entrepo.Provide(),
		Analytics:    analyticsrepo.Provide(),
		Subs:         subrepo.Provide(),
		Registry:     stubRegistry{provider: fake},
		Billing:      config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})

	sub := &subdomain.Subscription{
		ID:        node.Generate(),
		ProjectID: node.Generate(),
		Status:    subdomain.StatusActive,
		Active:    true,
		PlanSlug:  "pro",
		Timezone:  "UTC",
	}
	cust := &customerdomain.Customer{
		ID:              node.Generate(),
		ProjectID:       sub.ProjectID,
		Email:           "invoices@acme.test",
		DefaultCurrency: "usd",
	}
	return &invoiceFixture{db: db, node: node, svc: svc, fake: fake, sub: sub, cust: cust}
}

// seedPhase persists a monthly phase with itemCount usage items priced
// at 10 cents per unit and returns the loaded context.
func (f *invoiceFixture) seedPhase(t *testing.T, whenToBill plandomain.WhenToBill, startAt time.Time, itemCount int) *subdomain.PhaseContext {
	t.Helper()
	plan := plandomain.PlanVersion{
		ID:               f.node.Generate(),
		ProjectID:        f.sub.ProjectID,
		PlanSlug:         "pro",
		Version:          1,
		Currency:         "usd",
		PaymentProvider:  provider.FakeProviderName,
		WhenToBill:       whenToBill,
		CollectionMethod: plandomain.ChargeAutomatically,
		BillingConfig: datatypes.NewJSONType(plandomain.BillingConfigRow{
			Interval:      calendar.IntervalMonth,
			IntervalCount: 1,
			Anchor:        1,
		}),
		GracePeriod: datatypes.NewJSONType(plandomain.GraceConfig{
			Interval: calendar.IntervalDay,
			Units:    3,
		}),
		Published: true,
	}
	require.NoError(t, f.db.Create(&plan).Error)

	phase := subdomain.SubscriptionPhase{
		ID:                  f.node.Generate(),
		ProjectID:           f.sub.ProjectID,
		SubscriptionID:      f.sub.ID,
		PlanVersionID:       plan.ID,
		StartAt:             startAt,
		CurrentCycleStartAt: startAt,
		CurrentCycleEndAt:   startAt.AddDate(0, 1, 0),
		BillingAnchor:       1,
	}
	require.NoError(t, f.db.Create(&phase).Error)

	ctxp := &subdomain.PhaseContext{Phase: phase, Plan: plan}
	for i := 0; i < itemCount; i++ {
		fpv := plandomain.FeaturePlanVersion{
			ID:                f.node.Generate(),
			ProjectID:         f.sub.ProjectID,
			PlanVersionID:     plan.ID,
			FeatureSlug:       "api",
			FeatureType:       plandomain.FeatureTypeUsage,
			AggregationMethod: plandomain.AggregationSum,
			Config: datatypes.NewJSONType(plandomain.FeatureConfig{
				UnitAmountCents: 10,
			}),
		}
		require.NoError(t, f.db.Create(&fpv).Error)

		item := subdomain.SubscriptionItem{
			ID:                   f.node.Generate(),
			ProjectID:            f.sub.ProjectID,
			SubscriptionID:       f.sub.ID,
			SubscriptionPhaseID:  phase.ID,
			FeaturePlanVersionID: fpv.ID,
		}
		require.NoError(t, f.db.Create(&item).Error)
		ctxp.Items = append(ctxp.Items, subdomain.ItemContext{Item: item, Feature: fpv})
	}
	return ctxp
}

// seedPeriod inserts one pending billing period for the given item.
func (f *invoiceFixture) seedPeriod(t *testing.T, phase *subdomain.PhaseContext, ic subdomain.ItemContext, start, end, invoiceAt time.Time, kind bpdomain.Type) bpdomain.BillingPeriod {
	t.Helper()
	period := bpdomain.BillingPeriod{
		ID:                  f.node.Generate(),
		ProjectID:           f.sub.ProjectID,
		SubscriptionID:      f.sub.ID,
		SubscriptionPhaseID: phase.Phase.ID,
		SubscriptionItemID:  ic.Item.ID,
		CycleStartAt:        start,
		CycleEndAt:          end,
		Status:              bpdomain.StatusPending,
		Type:                kind,
		WhenToBill:          phase.Plan.WhenToBill,
		InvoiceAt:           invoiceAt,
		StatementKey: bpdomain.StatementKey(
			f.sub.ProjectID, f.cust.ID, f.sub.ID,
			invoiceAt, phase.Plan.Currency, phase.Plan.PaymentProvider, phase.Plan.CollectionMethod,
		),
	}
	require.NoError(t, f.db.Create(&period).Error)
	return period
}

func (f *invoiceFixture) seedUsage(t *testing.T, ic subdomain.ItemContext, recordedAt time.Time, value float64) {
	t.Helper()
	itemID := ic.Item.ID
	event := analyticsdomain.UsageEvent{
		ID:                 f.node.Generate(),
		ProjectID:          f.sub.ProjectID,
		CustomerID:         f.cust.ID,
		SubscriptionItemID: &itemID,
		FeatureSlug:        ic.Feature.FeatureSlug,
		Value:              value,
		RecordedAt:         recordedAt,
		Status:             analyticsdomain.EventStatusEnriched,
	}
	require.NoError(t, f.db.Create(&event).Error)
}

func (f *invoiceFixture) seedCredit(t *testing.T, amount int64, expiresAt *time.Time) creditdomain.CreditGrant {
	t.Helper()
	grant := creditdomain.CreditGrant{
		ID:              f.node.Generate(),
		ProjectID:       f.sub.ProjectID,
		CustomerID:      f.cust.ID,
		Currency:        "usd",
		PaymentProvider: provider.FakeProviderName,
		TotalAmount:     amount,
		ExpiresAt:       expiresAt,
		Active:          true,
		Reason:          creditdomain.ReasonMidCycleChange,
	}
	require.NoError(t, f.db.Create(&grant).Error)
	return grant
}

func TestAssemble_GroupsCoBilledPeriods(t *testing.T) {
	f := setupInvoice(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	phase := f.seedPhase(t, plandomain.PayInAdvance, start, 2)
	for _, ic := range phase.Items {
		f.seedPeriod(t, phase, ic, start, end, start, bpdomain.TypeNormal)
	}

	invoices, err := f.svc.AssembleInvoices(ctx, domain.AssembleRequest{
		Sub: f.sub, Customer: f.cust, Phase: phase, Now: start.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv := invoices[0]
	assert.Equal(t, domain.StatusDraft, inv.Status)
	assert.Equal(t, start, inv.StatementStartAt)
	assert.Equal(t, end, inv.StatementEndAt)
	assert.Equal(t, start.Add(15*time.Minute), inv.DueAt)
	assert.Equal(t, start.Add(15*time.Minute).AddDate(0, 0, 3), inv.PastDueAt)
	assert.Equal(t, plandomain.PayInAdvance, inv.WhenToBill)

	items, err := invoicerepo.Provide().ListItems(ctx, f.db, inv.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, domain.ItemKindPeriod, item.Kind)
		require.NotNil(t, item.ProrationFactor)
		assert.InDelta(t, 1.0, *item.ProrationFactor, 1e-9)
	}

	var periods []bpdomain.BillingPeriod
	require.NoError(t, f.db.Where("subscription_id = ?", f.sub.ID).Find(&periods).Error)
	for _, p := range periods {
		assert.Equal(t, bpdomain.StatusInvoiced, p.Status)
		require.NotNil(t, p.InvoiceID)
		assert.Equal(t, inv.ID, *p.InvoiceID)
	}
}

func TestAssemble_Idempotent(t *testing.T) {
	f := setupInvoice(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phase := f.seedPhase(t, plandomain.PayInAdvance, start, 1)
	f.seedPeriod(t, phase, phase.Items[0], start, start.AddDate(0, 1, 0), start, bpdomain.TypeNormal)
	req := domain.AssembleRequest{Sub: f.sub, Customer: f.cust, Phase: phase, Now: start.Add(time.Hour)}

	first, err := f.svc.AssembleInvoices(ctx, req)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// All periods are invoiced now, so a re-run finds nothing to do.
	second, err := f.svc.AssembleInvoices(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, second)

	var invoiceCount, itemCount int64
	require.NoError(t, f.db.Model(&domain.Invoice{}).Where("subscription_id = ?", f.sub.ID).Count(&invoiceCount).Error)
	require.NoError(t, f.db.Model(&domain.InvoiceItem{}).Where("invoice_id = ?", first[0].ID).Count(&itemCount).Error)
	assert.Equal(t, int64(1), invoiceCount)
	assert.Equal(t, int64(1), itemCount)
}

func TestAssemble_TrialPeriodMakesTrialItem(t *testing.T) {
	f := setupInvoice(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phase := f.seedPhase(t, plandomain.PayInAdvance, start, 1)
	f.seedPeriod(t, phase, phase.Items[0], start, start.AddDate(0, 0, 7), start, bpdomain.TypeTrial)

	invoices, err := f.svc.AssembleInvoices(ctx, domain.AssembleRequest{
		Sub: f.sub, Customer: f.cust, Phase: phase, Now: start.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	items, err := invoicerepo.Provide().ListItems(ctx, f.db, invoices[0].ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ItemKindTrial, items[0].Kind)
	require.NotNil(t, items[0].ProrationFactor)
	assert.Zero(t, *items[0].ProrationFactor)
}

func TestFinalize_PricesUsageAndAppliesCredits(t *testing.T) {
	f := setupInvoice(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	phase := f.seedPhase(t, plandomain.PayInArrear, start, 1)
	f.seedPeriod(t, phase, phase.Items[0], start, end, end, bpdomain.TypeNormal)
	f.seedUsage(t, phase.Items[0], start.AddDate(0, 0, 10), 25)
	f.seedUsage(t, phase.Items[0], start.AddDate(0, 0, 20), 15)
	f.seedCredit(t, 150, nil)

	invoices, err := f.svc.AssembleInvoices(ctx, domain.AssembleRequest{
		Sub: f.sub, Customer: f.cust, Phase: phase, Now: end,
	})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv, err := f.svc.FinalizeInvoice(ctx, invoices[0].ID, end.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, inv)

	// 40 units at 10 cents, minus the 150 cent credit.
	assert.Equal(t, domain.StatusUnpaid, inv.Status)
	assert.Equal(t, int64(400), inv.Subtotal)
	assert.Equal(t, int64(150), inv.AmountCreditUsed)
	assert.Equal(t, int64(250), inv.Total)
	require.NotNil(t, inv.IssueDate)
	require.NotNil(t, inv.InvoicePaymentProviderID)
	require.NotNil(t, inv.InvoiceProviderURL)
	assert.Nil(t, inv.FailureReason)

	items, err := invoicerepo.Provide().ListItems(ctx, f.db, inv.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, float64(40), items[0].Quantity)
	assert.Equal(t, int64(400), items[0].AmountSubtotal)
	assert.Equal(t, int64(400), items[0].AmountTotal)
	require.NotNil(t, items[0].UnitAmountCents)
	assert.Equal(t, int64(10), *items[0].UnitAmountCents)
	require.NotNil(t, items[0].ItemProviderID)

	var applications []creditdomain.InvoiceCreditApplication
	require.NoError(t, f.db.Where("invoice_id = ?", inv.ID).Find(&applications).Error)
	require.Len(t, applications, 1)
	assert.Equal(t, int64(150), applications[0].AmountApplied)

	remote, err := f.fake.GetInvoice(ctx, *inv.InvoicePaymentProviderID)
	require.NoError(t, err)
	assert.Equal(t, inv.Total, remote.TotalCents)
	assert.Equal(t, paydomain.ProviderInvoiceOpen, remote.Status)
}

func TestFinalize_CreditsDrawFIFOByExpiry(t *testing.T) {
	f := setupInvoice(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	phase := f.seedPhase(t, plandomain.PayInArrear, start, 1)
	f.seedPeriod(t, phase, phase.Items[0], start, end, end, bpdomain.TypeNormal)
	f.seedUsage(t, phase.Items[0], start.AddDate(0, 0, 5), 40)

	expiry := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	expiring := f.seedCredit(t, 150, &expiry)
	open := f.seedCredit(t, 1000, nil)

	invoices, err := f.svc.AssembleInvoices(ctx, domain.AssembleRequest{
		Sub: f.sub, Customer: f.cust, Phase: phase, Now: end,
	})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv, err := f.svc.FinalizeInvoice(ctx, invoices[0].ID, end.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(400), inv.Subtotal)
	assert.Equal(t, int64(400), inv.AmountCreditUsed)
	assert.Equal(t, int64(0), inv.Total)
	assert.Equal(t, domain.StatusVoid, inv.Status)

	// The expiring grant drains first and deactivates; the open-ended one
	// covers the remainder and stays active.
	var first, second creditdomain.CreditGrant
	require.NoError(t, f.db.Where("id = ?", expiring.ID).First(&first).Error)
	require.NoError(t, f.db.Where("id = ?", open.ID).First(&second).Error)
	assert.Equal(t, int64(150), first.AmountUsed)
	assert.False(t, first.Active)
	assert.Equal(t, int64(250), second.AmountUsed)
	assert.True(t, second.Active)
}

func TestFinalize_MidCyclePeriodProrates(t *testing.T) {
	f := setupInvoice(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	change := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)
	phase := f.seedPhase(t, plandomain.PayInArrear, start, 1)
	f.seedPeriod(t, phase, phase.Items[0], start, change, change, bpdomain.TypeMidCycleChange)
	f.seedUsage(t, phase.Items[0], start.AddDate(0, 0, 5), 50)

	invoices, err := f.svc.AssembleInvoices(ctx, domain.AssembleRequest{
		Sub: f.sub, Customer: f.cust, Phase: phase, Now: change,
	})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv, err := f.svc.FinalizeInvoice(ctx, invoices[0].ID, change.Add(time.Hour))
	require.NoError(t, err)

	items, err := invoicerepo.Provide().ListItems(ctx, f.db, inv.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// 15 of 31 days served: 500 cents scaled by 15/31 rounds to 242.
	require.NotNil(t, items[0].ProrationFactor)
	assert.InDelta(t, 15.0/31.0, *items[0].ProrationFactor, 1e-9)
	assert.Equal(t, int64(500), items[0].AmountSubtotal)
	assert.Equal(t, int64(242), items[0].AmountTotal)
	assert.Equal(t, int64(242), inv.Total)
}

func TestFinalize_ZeroTotalVoidsWithoutProviderPush(t *testing.T) {
	f := setupInvoice(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	phase := f.seedPhase(t, plandomain.PayInArrear, start, 1)
	f.seedPeriod(t, phase, phase.Items[0], start, end, end, bpdomain.TypeNormal)
	// no usage recorded

	invoices, err := f.svc.AssembleInvoices(ctx, domain.AssembleRequest{
		Sub: f.sub, Customer: f.cust, Phase: phase, Now: end,
	})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv, err := f.svc.FinalizeInvoice(ctx, invoices[0].ID, end.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVoid, inv.Status)
	assert.Equal(t, int64(0), inv.Total)
	assert.Nil(t, inv.InvoicePaymentProviderID)
}

func TestFinalize_ProviderTotalMismatchFlagsInvoice(t *testing.T) {
	f := setupInvoice(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	phase := f.seedPhase(t, plandomain.PayInArrear, start, 1)
	f.seedPeriod(t, phase, phase.Items[0], start, end, end, bpdomain.TypeNormal)
	f.seedUsage(t, phase.Items[0], start.AddDate(0, 0, 10), 40)

	wrong := int64(99999)
	f.fake.TotalOverride = &wrong

	invoices, err := f.svc.AssembleInvoices(ctx, domain.AssembleRequest{
		Sub: f.sub, Customer: f.cust, Phase: phase, Now: end,
	})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv, err := f.svc.FinalizeInvoice(ctx, invoices[0].ID, end.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusUnpaid, inv.Status)
	require.NotNil(t, inv.FailureReason)
	assert.Equal(t, domain.FailureReasonProviderMismatch, *inv.FailureReason)
	require.NotNil(t, inv.InvoicePaymentProviderID)

	// Flagged invoices wait for an operator, not the collector.
	collectible, err := invoicerepo.Provide().ListCollectible(ctx, f.db, end.AddDate(0, 0, 30), 10)
	require.NoError(t, err)
	for _, c := range collectible {
		assert.NotEqual(t, inv.ID, c.ID)
	}
}

func TestFinalize_AlreadyPushedIsNoop(t *testing.T) {
	f := setupInvoice(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	phase := f.seedPhase(t, plandomain.PayInArrear, start, 1)
	f.seedPeriod(t, phase, phase.Items[0], start, end, end, bpdomain.TypeNormal)
	f.seedUsage(t, phase.Items[0], start.AddDate(0, 0, 10), 40)

	invoices, err := f.svc.AssembleInvoices(ctx, domain.AssembleRequest{
		Sub: f.sub, Customer: f.cust, Phase: phase, Now: end,
	})
	require.NoError(t, err)
	first, err := f.svc.FinalizeInvoice(ctx, invoices[0].ID, end.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, domain.StatusUnpaid, first.Status)

	second, err := f.svc.FinalizeInvoice(ctx, invoices[0].ID, end.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.Total, second.Total)
	assert.Equal(t, *first.InvoicePaymentProviderID, *second.InvoicePaymentProviderID)

	var applications int64
	require.NoError(t, f.db.Model(&creditdomain.InvoiceCreditApplication{}).
		Where("invoice_id = ?", first.ID).Count(&applications).Error)
	assert.Zero(t, applications, "no credits seeded, none applied twice")
}
