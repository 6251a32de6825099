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
	bpservice "github.com/smallbiznis/meterbill/internal/billingperiod/service"
	"github.com/smallbiznis/meterbill/internal/calendar"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	creditdomain "github.com/smallbiznis/meterbill/internal/credit/domain"
	creditrepo "github.com/smallbiznis/meterbill/internal/credit/repository"
	customerdomain "github.com/smallbiznis/meterbill/internal/customer/domain"
	customerrepo "github.com/smallbiznis/meterbill/internal/customer/repository"
	entrepo "github.com/smallbiznis/meterbill/internal/entitlement/repository"
	grantdomain "github.com/smallbiznis/meterbill/internal/grant/domain"
	grantrepo "github.com/smallbiznis/meterbill/internal/grant/repository"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/meterbill/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/meterbill/internal/invoice/service"
	paydomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	"github.com/smallbiznis/meterbill/internal/payment/provider"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	planrepo "github.com/smallbiznis/meterbill/internal/plan/repository"
	"github.com/smallbiznis/meterbill/internal/subscription/domain"
	"github.com/smallbiznis/meterbill/internal/subscription/lock"
	"github.com/smallbiznis/meterbill/internal/subscription/machine"
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

type serviceFixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	clk     *clock.FakeClock
	svc     domain.Service
	locker  *lock.Locker
	project snowflake.ID
	cust    *customerdomain.Customer
}

func setupService(t *testing.T) *serviceFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&customerdomain.Project{},
		&customerdomain.Customer{},
		&domain.Subscription{},
		&domain.SubscriptionPhase{},
		&domain.SubscriptionItem{},
		&plandomain.PlanVersion{},
		&plandomain.FeaturePlanVersion{},
		&grantdomain.Grant{},
		&bpdomain.BillingPeriod{},
		&creditdomain.CreditGrant{},
		&creditdomain.InvoiceCreditApplication{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&analyticsdomain.UsageEvent{},
		&lock.SubscriptionLock{},
	))

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	locker := lock.NewLocker()

	materials := bpservice.New(bpservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Periods: bprepo.Provide(),
		Credits: creditrepo.Provide(),
	})
	invoices := invoiceservice.New(invoiceservice.Params{
		DB:           db,
		Log:          log,
		GenID:        node,
		Repo:         invoicerepo.Provide(),
		Periods:      bprepo.Provide(),
		Credits:      creditrepo.Provide(),
		Grants:       grantrepo.Provide(),
		Entitlements: entrepo.Provide(),
		Analytics:    analyticsrepo.Provide(),
		Subs:         subrepo.Provide(),
		Registry:     stubRegistry{provider: provider.NewFake()},
		Billing:      config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})
	machines := machine.NewFactory(machine.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Subs:      subrepo.Provide(),
		Customers: customerrepo.Provide(),
		Periods:   bprepo.Provide(),
		Materials: materials,
		Invoices:  invoices,
	})

	svc := New(Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Config:    config.Config{LockTTL: time.Minute},
		Subs:      subrepo.Provide(),
		Customers: customerrepo.Provide(),
		Plans:     planrepo.Provide(),
		Invoices:  invoicerepo.Provide(),
		Machines:  machines,
		Locker:    locker,
	})

	project := node.Generate()
	require.NoError(t, db.Create(&customerdomain.Project{ID: project, Name: "acme", Active: true}).Error)
	cust := &customerdomain.Customer{
		ID:              node.Generate(),
		ProjectID:       project,
		Email:           "billing@acme.test",
		DefaultCurrency: "usd",
		Timezone:        "UTC",
		Active:          true,
	}
	require.NoError(t, db.Create(cust).Error)

	return &serviceFixture{db: db, node: node, clk: clk, svc: svc, locker: locker, project: project, cust: cust}
}

func (f *serviceFixture) seedPlan(t *testing.T, slug string, trialDays int, unitCents int64) *plandomain.PlanVersion {
	t.Helper()
	plan := &plandomain.PlanVersion{
		ID:               f.node.Generate(),
		ProjectID:        f.project,
		PlanSlug:         slug,
		Version:          1,
		Currency:         "usd",
		PaymentProvider:  provider.FakeProviderName,
		WhenToBill:       plandomain.PayInAdvance,
		CollectionMethod: plandomain.ChargeAutomatically,
		AutoRenew:        true,
		TrialDays:        trialDays,
		Published:        true,
		BillingConfig: datatypes.NewJSONType(plandomain.BillingConfigRow{
			Interval:      calendar.IntervalMonth,
			IntervalCount: 1,
			Anchor:        1,
		}),
		GracePeriod: datatypes.NewJSONType(plandomain.GraceConfig{
			Interval: calendar.IntervalDay,
			Units:    3,
		}),
	}
	require.NoError(t, f.db.Create(plan).Error)
	fpv := &plandomain.FeaturePlanVersion{
		ID:                f.node.Generate(),
		ProjectID:         f.project,
		PlanVersionID:     plan.ID,
		FeatureSlug:       "api",
		FeatureType:       plandomain.FeatureTypeUsage,
		AggregationMethod: plandomain.AggregationSum,
		Config:            datatypes.NewJSONType(plandomain.FeatureConfig{UnitAmountCents: unitCents}),
	}
	require.NoError(t, f.db.Create(fpv).Error)
	return plan
}

func TestCreate_TrialSubscription(t *testing.T) {
	f := setupService(t)
	f.seedPlan(t, "pro", 7, 10)
	pm := "pm_1"
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	sub, err := f.svc.CreateSubscription(context.Background(), domain.CreateRequest{
		ProjectID:       f.project,
		CustomerID:      f.cust.ID,
		PlanSlug:        "pro",
		PaymentMethodID: &pm,
		StartAt:         start,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTrialing, sub.Status)
	assert.True(t, sub.Active)
	assert.Equal(t, start, sub.CurrentCycleStartAt)
	assert.Equal(t, start.AddDate(0, 0, 7), sub.CurrentCycleEndAt)

	var phase domain.SubscriptionPhase
	require.NoError(t, f.db.Where("subscription_id = ?", sub.ID).First(&phase).Error)
	require.NotNil(t, phase.TrialEndsAt)
	assert.Equal(t, start.AddDate(0, 0, 7), phase.TrialEndsAt.UTC())
	require.NotNil(t, phase.RenewAt)
	assert.Equal(t, sub.CurrentCycleEndAt, phase.RenewAt.UTC())

	var items []domain.SubscriptionItem
	require.NoError(t, f.db.Where("subscription_id = ?", sub.ID).Find(&items).Error)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].Units)
}

func TestCreate_WithoutTrialStartsActive(t *testing.T) {
	f := setupService(t)
	f.seedPlan(t, "pro", 0, 10)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	sub, err := f.svc.CreateSubscription(context.Background(), domain.CreateRequest{
		ProjectID:  f.project,
		CustomerID: f.cust.ID,
		PlanSlug:   "pro",
		StartAt:    start,
		Units:      map[string]int64{"api": 500},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, start, sub.CurrentCycleStartAt)
	assert.Equal(t, start.AddDate(0, 1, 0), sub.CurrentCycleEndAt)

	var items []domain.SubscriptionItem
	require.NoError(t, f.db.Where("subscription_id = ?", sub.ID).Find(&items).Error)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Units)
	assert.Equal(t, int64(500), *items[0].Units)
}

func TestCreate_UnknownPlanRejected(t *testing.T) {
	f := setupService(t)

	_, err := f.svc.CreateSubscription(context.Background(), domain.CreateRequest{
		ProjectID:  f.project,
		CustomerID: f.cust.ID,
		PlanSlug:   "nope",
	})
	require.ErrorIs(t, err, domain.ErrInvalidPlanVersion)
}

func TestCreate_InactiveCustomerRejected(t *testing.T) {
	f := setupService(t)
	f.seedPlan(t, "pro", 0, 10)
	require.NoError(t, f.db.Model(f.cust).Update("active", false).Error)

	_, err := f.svc.CreateSubscription(context.Background(), domain.CreateRequest{
		ProjectID:  f.project,
		CustomerID: f.cust.ID,
		PlanSlug:   "pro",
	})
	require.ErrorIs(t, err, domain.ErrInvalidCustomer)
}

func TestCancel_ClosesSubscriptionAndReleasesLease(t *testing.T) {
	f := setupService(t)
	f.seedPlan(t, "pro", 0, 10)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sub, err := f.svc.CreateSubscription(context.Background(), domain.CreateRequest{
		ProjectID:  f.project,
		CustomerID: f.cust.ID,
		PlanSlug:   "pro",
		StartAt:    start,
	})
	require.NoError(t, err)

	canceled, err := f.svc.CancelSubscription(context.Background(), f.project, sub.ID, start.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, canceled.Status)
	assert.False(t, canceled.Active)

	var locks int64
	require.NoError(t, f.db.Model(&lock.SubscriptionLock{}).Count(&locks).Error)
	assert.Equal(t, int64(0), locks)
}

func TestCancel_HeldLeaseRejected(t *testing.T) {
	f := setupService(t)
	f.seedPlan(t, "pro", 0, 10)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sub, err := f.svc.CreateSubscription(context.Background(), domain.CreateRequest{
		ProjectID:  f.project,
		CustomerID: f.cust.ID,
		PlanSlug:   "pro",
		StartAt:    start,
	})
	require.NoError(t, err)

	lease, err := f.locker.Acquire(context.Background(), f.db, f.project, sub.ID, start, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	_, err = f.svc.CancelSubscription(context.Background(), f.project, sub.ID, start.Add(time.Second))
	require.ErrorIs(t, err, domain.ErrSubscriptionBusy)
}

func TestChangePlan_CreditsPrepaidCycle(t *testing.T) {
	f := setupService(t)
	f.seedPlan(t, "pro", 0, 10)
	f.seedPlan(t, "team", 0, 5)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sub, err := f.svc.CreateSubscription(context.Background(), domain.CreateRequest{
		ProjectID:  f.project,
		CustomerID: f.cust.ID,
		PlanSlug:   "pro",
		StartAt:    start,
	})
	require.NoError(t, err)

	var phase domain.SubscriptionPhase
	require.NoError(t, f.db.Where("subscription_id = ?", sub.ID).First(&phase).Error)

	// A paid advance invoice covering January funds the unused-span credit.
	paidAt := start
	providerID := "in_paid"
	require.NoError(t, f.db.Create(&invoicedomain.Invoice{
		ID:                       f.node.Generate(),
		ProjectID:                f.project,
		SubscriptionID:           sub.ID,
		SubscriptionPhaseID:      phase.ID,
		CustomerID:               f.cust.ID,
		Status:                   invoicedomain.StatusPaid,
		StatementKey:             "stmt_jan",
		StatementStartAt:         start,
		StatementEndAt:           start.AddDate(0, 1, 0),
		CycleStartAt:             start,
		CycleEndAt:               start.AddDate(0, 1, 0),
		DueAt:                    start,
		PastDueAt:                start.AddDate(0, 0, 3),
		Subtotal:                 10000,
		Total:                    10000,
		PaymentProvider:          provider.FakeProviderName,
		Currency:                 "usd",
		WhenToBill:               plandomain.PayInAdvance,
		CollectionMethod:         plandomain.ChargeAutomatically,
		InvoicePaymentProviderID: &providerID,
		PaidAt:                   &paidAt,
	}).Error)

	changeAt := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)
	changed, err := f.svc.ChangePlan(context.Background(), domain.ChangeRequest{
		ProjectID:      f.project,
		SubscriptionID: sub.ID,
		PlanSlug:       "team",
		Now:            changeAt,
	})
	require.NoError(t, err)
	assert.Equal(t, "team", changed.PlanSlug)

	var credit creditdomain.CreditGrant
	require.NoError(t, f.db.Where("customer_id = ?", f.cust.ID).First(&credit).Error)
	assert.Equal(t, int64(5161), credit.TotalAmount)
	assert.Equal(t, creditdomain.ReasonMidCycleChange, credit.Reason)

	var phases []domain.SubscriptionPhase
	require.NoError(t, f.db.Where("subscription_id = ?", sub.ID).Order("start_at asc").Find(&phases).Error)
	require.Len(t, phases, 2)
	require.NotNil(t, phases[0].EndAt)
	assert.Equal(t, changeAt, phases[0].EndAt.UTC())
}
