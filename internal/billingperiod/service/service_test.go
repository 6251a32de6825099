package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/meterbill/internal/billingperiod/domain"
	bprepo "github.com/smallbiznis/meterbill/internal/billingperiod/repository"
	"github.com/smallbiznis/meterbill/internal/calendar"
	creditdomain "github.com/smallbiznis/meterbill/internal/credit/domain"
	creditrepo "github.com/smallbiznis/meterbill/internal/credit/repository"
	customerdomain "github.com/smallbiznis/meterbill/internal/customer/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subdomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type materializerFixture struct {
	db   *gorm.DB
	node *snowflake.Node
	svc  domain.Service
	sub  *subdomain.Subscription
	cust *customerdomain.Customer
}

func setupMaterializer(t *testing.T) *materializerFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.BillingPeriod{},
		&creditdomain.CreditGrant{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	svc := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Periods: bprepo.Provide(),
		Credits: creditrepo.Provide(),
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
		Email:           "billing@acme.test",
		DefaultCurrency: "usd",
	}
	return &materializerFixture{db: db, node: node, svc: svc, sub: sub, cust: cust}
}

func (f *materializerFixture) phaseContext(whenToBill plandomain.WhenToBill, startAt time.Time, trialEnd *time.Time, itemCount int) *subdomain.PhaseContext {
	plan := plandomain.PlanVersion{
		ID:               f.node.Generate(),
		ProjectID:        f.sub.ProjectID,
		PlanSlug:         "pro",
		Version:          1,
		Currency:         "usd",
		PaymentProvider:  "fake",
		WhenToBill:       whenToBill,
		CollectionMethod: plandomain.ChargeAutomatically,
		BillingConfig: datatypes.NewJSONType(plandomain.BillingConfigRow{
			Interval:      calendar.IntervalMonth,
			IntervalCount: 1,
			Anchor:        1,
		}),
	}

	phase := subdomain.SubscriptionPhase{
		ID:                  f.node.Generate(),
		ProjectID:           f.sub.ProjectID,
		SubscriptionID:      f.sub.ID,
		PlanVersionID:       plan.ID,
		TrialEndsAt:         trialEnd,
		StartAt:             startAt,
		CurrentCycleStartAt: startAt,
		CurrentCycleEndAt:   startAt.AddDate(0, 1, 0),
		BillingAnchor:       1,
	}

	ctxp := &subdomain.PhaseContext{Phase: phase, Plan: plan}
	for i := 0; i < itemCount; i++ {
		fpv := plandomain.FeaturePlanVersion{
			ID:                f.node.Generate(),
			ProjectID:         f.sub.ProjectID,
			PlanVersionID:     plan.ID,
			FeatureSlug:       "api",
			FeatureType:       plandomain.FeatureTypeUsage,
			AggregationMethod: plandomain.AggregationSum,
		}
		item := subdomain.SubscriptionItem{
			ID:                   f.node.Generate(),
			ProjectID:            f.sub.ProjectID,
			SubscriptionID:       f.sub.ID,
			SubscriptionPhaseID:  phase.ID,
			FeaturePlanVersionID: fpv.ID,
		}
		ctxp.Items = append(ctxp.Items, subdomain.ItemContext{Item: item, Feature: fpv})
	}
	return ctxp
}

func TestGenerate_AdvanceBillsAtCycleStart(t *testing.T) {
	f := setupMaterializer(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phase := f.phaseContext(plandomain.PayInAdvance, start, nil, 2)

	res, err := f.svc.GenerateBillingPeriods(ctx, f.sub, f.cust, phase, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.True(t, res.HasDueBillingPeriods, "advance periods are due at cycle start")

	var periods []domain.BillingPeriod
	require.NoError(t, f.db.Where("subscription_id = ?", f.sub.ID).Order("id asc").Find(&periods).Error)
	require.Len(t, periods, 2)
	for _, p := range periods {
		assert.Equal(t, start, p.CycleStartAt)
		assert.Equal(t, start.AddDate(0, 1, 0), p.CycleEndAt)
		assert.Equal(t, p.CycleStartAt, p.InvoiceAt)
		assert.Equal(t, domain.StatusPending, p.Status)
		assert.Equal(t, domain.TypeNormal, p.Type)
	}
	// Items sharing invoiceAt and provider keys co-bill on one statement.
	assert.Equal(t, periods[0].StatementKey, periods[1].StatementKey)
	assert.Len(t, periods[0].StatementKey, 64)
}

func TestGenerate_Idempotent(t *testing.T) {
	f := setupMaterializer(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phase := f.phaseContext(plandomain.PayInAdvance, start, nil, 1)
	now := start.Add(time.Hour)

	first, err := f.svc.GenerateBillingPeriods(ctx, f.sub, f.cust, phase, now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	second, err := f.svc.GenerateBillingPeriods(ctx, f.sub, f.cust, phase, now)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.True(t, second.HasDueBillingPeriods)

	var count int64
	require.NoError(t, f.db.Model(&domain.BillingPeriod{}).
		Where("subscription_id = ?", f.sub.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGenerate_ArrearNotDueUntilCycleEnd(t *testing.T) {
	f := setupMaterializer(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phase := f.phaseContext(plandomain.PayInArrear, start, nil, 1)

	res, err := f.svc.GenerateBillingPeriods(ctx, f.sub, f.cust, phase, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.False(t, res.HasDueBillingPeriods)

	var period domain.BillingPeriod
	require.NoError(t, f.db.Where("subscription_id = ?", f.sub.ID).First(&period).Error)
	assert.Equal(t, period.CycleEndAt, period.InvoiceAt)

	// Once the cycle closes the period is due.
	res, err = f.svc.GenerateBillingPeriods(ctx, f.sub, f.cust, phase, period.CycleEndAt)
	require.NoError(t, err)
	assert.True(t, res.HasDueBillingPeriods)
}

func TestGenerate_TrialPeriodEstimatesZero(t *testing.T) {
	f := setupMaterializer(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trialEnd := start.AddDate(0, 0, 7)
	phase := f.phaseContext(plandomain.PayInAdvance, start, &trialEnd, 1)

	res, err := f.svc.GenerateBillingPeriods(ctx, f.sub, f.cust, phase, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	var period domain.BillingPeriod
	require.NoError(t, f.db.Where("subscription_id = ?", f.sub.ID).First(&period).Error)
	assert.Equal(t, domain.TypeTrial, period.Type)
	assert.Equal(t, start, period.CycleStartAt)
	assert.Equal(t, trialEnd, period.CycleEndAt)
	require.NotNil(t, period.AmountEstimateCents)
	assert.Equal(t, int64(0), *period.AmountEstimateCents)
}

func TestMidCycleSplit_AdvanceIssuesProratedCredit(t *testing.T) {
	f := setupMaterializer(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phase := f.phaseContext(plandomain.PayInAdvance, start, nil, 1)

	// $100 prepaid for 31 days, change after 15 elapsed: 16 remain.
	grant, err := f.svc.MidCycleSplit(ctx, domain.MidCycleSplitRequest{
		Sub:             f.sub,
		Customer:        f.cust,
		Outgoing:        phase,
		PaidAmountCents: 10000,
		Now:             time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, int64(5161), grant.TotalAmount)
	assert.Equal(t, creditdomain.ReasonMidCycleChange, grant.Reason)
	assert.Equal(t, "usd", grant.Currency)
	assert.True(t, grant.Active)

	var stored creditdomain.CreditGrant
	require.NoError(t, f.db.Where("id = ?", grant.ID).First(&stored).Error)
	assert.Equal(t, int64(5161), stored.TotalAmount)
	assert.Equal(t, int64(0), stored.AmountUsed)
}

func TestMidCycleSplit_AdvanceNothingPaidNoCredit(t *testing.T) {
	f := setupMaterializer(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phase := f.phaseContext(plandomain.PayInAdvance, start, nil, 1)

	grant, err := f.svc.MidCycleSplit(ctx, domain.MidCycleSplitRequest{
		Sub:      f.sub,
		Customer: f.cust,
		Outgoing: phase,
		Now:      time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Nil(t, grant)
}

func TestMidCycleSplit_ArrearBillsConsumedSpan(t *testing.T) {
	f := setupMaterializer(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phase := f.phaseContext(plandomain.PayInArrear, start, nil, 2)
	now := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)

	grant, err := f.svc.MidCycleSplit(ctx, domain.MidCycleSplitRequest{
		Sub:             f.sub,
		Customer:        f.cust,
		Outgoing:        phase,
		PaidAmountCents: 0,
		Now:             now,
	})
	require.NoError(t, err)
	assert.Nil(t, grant, "arrear change settles through a period, not a credit")

	var periods []domain.BillingPeriod
	require.NoError(t, f.db.Where("subscription_id = ?", f.sub.ID).Find(&periods).Error)
	require.Len(t, periods, 2)
	for _, p := range periods {
		assert.Equal(t, domain.TypeMidCycleChange, p.Type)
		assert.Equal(t, start, p.CycleStartAt)
		assert.Equal(t, now, p.CycleEndAt)
		assert.Equal(t, now, p.InvoiceAt)
	}
}
