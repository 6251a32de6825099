package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
	analyticsrepo "github.com/smallbiznis/meterbill/internal/analytics/repository"
	"github.com/smallbiznis/meterbill/internal/cache"
	"github.com/smallbiznis/meterbill/internal/clock"
	customerdomain "github.com/smallbiznis/meterbill/internal/customer/domain"
	customerrepo "github.com/smallbiznis/meterbill/internal/customer/repository"
	"github.com/smallbiznis/meterbill/internal/entitlement/domain"
	"github.com/smallbiznis/meterbill/internal/entitlement/meter"
	entrepo "github.com/smallbiznis/meterbill/internal/entitlement/repository"
	grantdomain "github.com/smallbiznis/meterbill/internal/grant/domain"
	grantrepo "github.com/smallbiznis/meterbill/internal/grant/repository"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type evalFixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	svc     domain.Service
	clk     *clock.FakeClock
	project customerdomain.Project
	cust    customerdomain.Customer
	fpv     plandomain.FeaturePlanVersion
}

func setupEval(t *testing.T, featureType plandomain.FeatureType, agg plandomain.AggregationMethod) *evalFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&customerdomain.Project{},
		&customerdomain.Customer{},
		&plandomain.FeaturePlanVersion{},
		&grantdomain.Grant{},
		&domain.Entitlement{},
		&analyticsdomain.UsageEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	project := customerdomain.Project{ID: node.Generate(), Name: "acme", Active: true}
	require.NoError(t, db.Create(&project).Error)

	cust := customerdomain.Customer{
		ID:              node.Generate(),
		ProjectID:       project.ID,
		Email:           "dev@acme.test",
		DefaultCurrency: "usd",
		Timezone:        "UTC",
		Active:          true,
	}
	require.NoError(t, db.Create(&cust).Error)

	fpv := plandomain.FeaturePlanVersion{
		ID:                node.Generate(),
		ProjectID:         project.ID,
		PlanVersionID:     node.Generate(),
		FeatureSlug:       "api",
		FeatureType:       featureType,
		AggregationMethod: agg,
		Config:            datatypes.NewJSONType(plandomain.FeatureConfig{UnitAmountCents: 10}),
	}
	require.NoError(t, db.Create(&fpv).Error)

	analytics := analyticsrepo.Provide()
	entRepo := entrepo.Provide()
	svc := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Repo:      entRepo,
		Customers: customerrepo.Provide(),
		Grants:    grantrepo.Provide(),
		Meter:     meter.New(analytics, entRepo),
		Analytics: analytics,
		State:     cache.NewMemory(),
	})

	return &evalFixture{db: db, node: node, svc: svc, clk: clk, project: project, cust: cust, fpv: fpv}
}

func (f *evalFixture) grant(t *testing.T, limit *int64, hardLimit bool, priority int) grantdomain.Grant {
	t.Helper()
	g := grantdomain.Grant{
		ID:                   f.node.Generate(),
		ProjectID:            f.project.ID,
		SubjectType:          grantdomain.SubjectTypeCustomer,
		SubjectID:            f.cust.ID,
		FeaturePlanVersionID: f.fpv.ID,
		Type:                 grantdomain.GrantTypeSubscription,
		Priority:             priority,
		EffectiveAt:          f.clk.Now().Add(-time.Hour),
		Limit:                limit,
		HardLimit:            hardLimit,
	}
	require.NoError(t, f.db.Create(&g).Error)
	return g
}

func int64Ptr(v int64) *int64 { return &v }

func TestVerify_FeatureNotEntitled(t *testing.T) {
	f := setupEval(t, plandomain.FeatureTypeUsage, plandomain.AggregationSum)

	res, err := f.svc.Verify(context.Background(), domain.VerifyRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.DeniedFeatureNotEntitled, res.DeniedReason)
}

func TestVerify_SubjectChecks(t *testing.T) {
	f := setupEval(t, plandomain.FeatureTypeUsage, plandomain.AggregationSum)
	f.grant(t, int64Ptr(100), true, 10)
	ctx := context.Background()

	res, err := f.svc.Verify(ctx, domain.VerifyRequest{
		ProjectID:   f.node.Generate(),
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DeniedProjectInactive, res.DeniedReason)

	res, err = f.svc.Verify(ctx, domain.VerifyRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.node.Generate(),
		FeatureSlug: "api",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DeniedCustomerNotFound, res.DeniedReason)

	require.NoError(t, f.db.Model(&customerdomain.Customer{}).
		Where("id = ?", f.cust.ID).Update("active", false).Error)
	res, err = f.svc.Verify(ctx, domain.VerifyRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DeniedCustomerBlocked, res.DeniedReason)
}

func TestVerify_BuildsEntitlementAndPricesUsage(t *testing.T) {
	f := setupEval(t, plandomain.FeatureTypeUsage, plandomain.AggregationSum)
	f.grant(t, int64Ptr(100), false, 10)
	ctx := context.Background()

	res, err := f.svc.Verify(ctx, domain.VerifyRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Limit)
	assert.Equal(t, int64(100), *res.Limit)
	assert.Equal(t, float64(0), res.Usage)

	// Enriched events flow into the meter on the next verify.
	ents, err := f.svc.Entitlements(ctx, f.project.ID, f.cust.ID)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	entID := ents[0].ID

	event := analyticsdomain.UsageEvent{
		ID:            f.node.Generate(),
		ProjectID:     f.project.ID,
		CustomerID:    f.cust.ID,
		EntitlementID: &entID,
		FeatureSlug:   "api",
		Value:         40,
		RecordedAt:    f.clk.Now(),
		Status:        analyticsdomain.EventStatusEnriched,
	}
	require.NoError(t, f.db.Create(&event).Error)

	res, err = f.svc.Verify(ctx, domain.VerifyRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(40), res.Usage)
	require.NotNil(t, res.Remaining)
	assert.Equal(t, float64(60), *res.Remaining)
	assert.Equal(t, int64(400), res.CostCents)
}

func TestVerify_FromCacheServesLastState(t *testing.T) {
	f := setupEval(t, plandomain.FeatureTypeUsage, plandomain.AggregationSum)
	f.grant(t, int64Ptr(100), false, 10)
	ctx := context.Background()

	live, err := f.svc.Verify(ctx, domain.VerifyRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
	})
	require.NoError(t, err)
	require.True(t, live.Allowed)

	cached, err := f.svc.Verify(ctx, domain.VerifyRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
		FromCache:   true,
	})
	require.NoError(t, err)
	assert.True(t, cached.Allowed)
	assert.Equal(t, live.Usage, cached.Usage)
	assert.Equal(t, live.Limit, cached.Limit)
}

func TestReportUsage_HardLimitStopsAtBoundary(t *testing.T) {
	f := setupEval(t, plandomain.FeatureTypeUsage, plandomain.AggregationSum)
	f.grant(t, int64Ptr(1000), true, 10)
	ctx := context.Background()

	res, err := f.svc.ReportUsage(ctx, domain.ReportUsageRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
		Usage:       1000,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, float64(1000), res.Usage)

	res, err = f.svc.ReportUsage(ctx, domain.ReportUsageRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
		Usage:       1,
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, domain.DeniedLimitExceeded, res.DeniedReason)
	assert.Equal(t, float64(1000), res.Usage)
	require.NotNil(t, res.Remaining)
	assert.Equal(t, float64(0), *res.Remaining)

	// The rejected delta is not persisted.
	ents, err := f.svc.Entitlements(ctx, f.project.ID, f.cust.ID)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, float64(1000), ents[0].CurrentCycleUsage)
}

func TestReportUsage_SoftLimitNotifies(t *testing.T) {
	f := setupEval(t, plandomain.FeatureTypeUsage, plandomain.AggregationSum)
	f.grant(t, int64Ptr(10), false, 10)
	ctx := context.Background()

	res, err := f.svc.ReportUsage(ctx, domain.ReportUsageRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
		Usage:       15,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.NotifiedOverLimit)
	assert.Equal(t, float64(15), res.Usage)
}

func TestReportUsage_IdempotentReplay(t *testing.T) {
	f := setupEval(t, plandomain.FeatureTypeUsage, plandomain.AggregationSum)
	f.grant(t, int64Ptr(100), true, 10)
	ctx := context.Background()

	req := domain.ReportUsageRequest{
		ProjectID:      f.project.ID,
		CustomerID:     f.cust.ID,
		FeatureSlug:    "api",
		Usage:          7,
		IdempotenceKey: "report-001",
	}

	first, err := f.svc.ReportUsage(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := f.svc.ReportUsage(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Allowed, second.Allowed)
	assert.Equal(t, first.Usage, second.Usage)
	assert.Equal(t, first.CostCents, second.CostCents)

	// Only the first report consumed quota.
	ents, err := f.svc.Entitlements(ctx, f.project.ID, f.cust.ID)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, float64(7), ents[0].CurrentCycleUsage)
}

func TestVerify_GrantChangeRefreshesSnapshot(t *testing.T) {
	f := setupEval(t, plandomain.FeatureTypeUsage, plandomain.AggregationSum)
	f.grant(t, int64Ptr(100), false, 10)
	ctx := context.Background()

	res, err := f.svc.Verify(ctx, domain.VerifyRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Limit)
	assert.Equal(t, int64(100), *res.Limit)

	// A second metered grant raises the merged limit.
	f.grant(t, int64Ptr(50), false, 80)

	res, err = f.svc.Verify(ctx, domain.VerifyRequest{
		ProjectID:   f.project.ID,
		CustomerID:  f.cust.ID,
		FeatureSlug: "api",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Limit)
	assert.Equal(t, int64(150), *res.Limit)
}
