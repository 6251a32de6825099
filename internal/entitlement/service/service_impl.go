// Package service implements the entitlement evaluator: verify, usage
// reporting, and usage listing on top of the grant snapshot and the
// usage meter.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
	"github.com/smallbiznis/meterbill/internal/cache"
	"github.com/smallbiznis/meterbill/internal/clock"
	customerdomain "github.com/smallbiznis/meterbill/internal/customer/domain"
	"github.com/smallbiznis/meterbill/internal/entitlement/domain"
	"github.com/smallbiznis/meterbill/internal/entitlement/meter"
	grantdomain "github.com/smallbiznis/meterbill/internal/grant/domain"
	"github.com/smallbiznis/meterbill/internal/observability/metrics"
	"github.com/smallbiznis/meterbill/internal/rating"
	"github.com/smallbiznis/meterbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// stateTTL bounds staleness served in from-cache mode.
const stateTTL = 5 * time.Minute

const auditTimeout = 5 * time.Second

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Customers customerdomain.Repository
	Grants    grantdomain.Repository
	Meter     *meter.Meter
	Analytics analyticsdomain.Store
	State     cache.StateCache
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	customers customerdomain.Repository
	grants    grantdomain.Repository
	meter     *meter.Meter
	analytics analyticsdomain.Store
	state     cache.StateCache
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("entitlement.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		customers: p.Customers,
		grants:    p.Grants,
		meter:     p.Meter,
		analytics: p.Analytics,
		state:     p.State,
	}
}

func (s *Service) Verify(ctx context.Context, req domain.VerifyRequest) (domain.VerifyResult, error) {
	start := s.clock.Now()
	now := req.Now
	if now.IsZero() {
		now = start
	}
	mode := metrics.EvaluatorModeLive
	if req.FromCache {
		mode = metrics.EvaluatorModeFromCache
	}

	result, err := s.verify(ctx, req, now)
	result.Latency = s.clock.Now().Sub(start)

	m := metrics.Evaluator()
	m.IncVerify(mode)
	m.ObserveVerifyDuration(mode, result.Latency)
	if err == nil && result.DeniedReason != "" {
		m.IncDenied(string(result.DeniedReason))
	}
	if err == nil {
		s.auditAsync(req.ProjectID, req.CustomerID, req.FeatureSlug, 0, now, map[string]any{
			"kind":    "verify",
			"allowed": result.Allowed,
		})
	}
	return result, err
}

func (s *Service) verify(ctx context.Context, req domain.VerifyRequest, now time.Time) (domain.VerifyResult, error) {
	if denied := s.checkSubject(ctx, req.ProjectID, req.CustomerID); denied != "" {
		return domain.VerifyResult{Allowed: false, DeniedReason: denied}, nil
	}

	if req.FromCache {
		if ent, ok := s.cachedState(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug); ok {
			metrics.Evaluator().IncStateCache("hit")
			return s.deriveVerify(ent)
		}
		metrics.Evaluator().IncStateCache("miss")
	}

	ent, denied, err := s.resolveState(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug, now)
	if err != nil {
		return domain.VerifyResult{}, err
	}
	if denied != "" {
		return domain.VerifyResult{Allowed: false, DeniedReason: denied}, nil
	}

	s.cacheState(ctx, ent)
	return s.deriveVerify(ent)
}

func (s *Service) deriveVerify(ent *domain.Entitlement) (domain.VerifyResult, error) {
	usage := ent.EffectiveUsage()
	result := domain.VerifyResult{
		Allowed:     true,
		Remaining:   ent.EffectiveRemaining(),
		Limit:       ent.Limit,
		Usage:       usage,
		FeatureType: ent.FeatureType,
	}

	if ent.Limit != nil && usage >= float64(*ent.Limit) && ent.HardLimit {
		result.Allowed = false
		result.DeniedReason = domain.DeniedLimitExceeded
		metrics.Evaluator().IncGrantExhausted()
	}

	if ent.FeatureType.Metered() {
		priced, err := rating.Price(ent.Snapshot(), usage)
		if err != nil {
			return domain.VerifyResult{}, err
		}
		result.CostCents = priced.TotalCents
	}
	return result, nil
}

func (s *Service) ReportUsage(ctx context.Context, req domain.ReportUsageRequest) (domain.ReportResult, error) {
	now := req.Now
	if now.IsZero() {
		now = s.clock.Now()
	}

	if denied := s.checkSubject(ctx, req.ProjectID, req.CustomerID); denied != "" {
		return domain.ReportResult{Allowed: false, DeniedReason: denied}, nil
	}

	ent, denied, err := s.resolveState(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug, now)
	if err != nil {
		return domain.ReportResult{}, err
	}
	if denied != "" {
		return domain.ReportResult{Allowed: false, DeniedReason: denied}, nil
	}

	result, err := s.meter.ReportUsage(ctx, s.db, ent, req.Usage, req.IdempotenceKey, now)
	if err != nil {
		return domain.ReportResult{}, err
	}

	m := metrics.Evaluator()
	if result.CacheHit {
		m.IncIdempotentReplay()
		return result, nil
	}
	if result.Allowed {
		m.AddUsageReported(string(ent.FeatureType), req.Usage)
	} else {
		m.IncDenied(string(result.DeniedReason))
		m.IncGrantExhausted()
	}

	s.cacheState(ctx, ent)
	s.auditAsync(req.ProjectID, req.CustomerID, req.FeatureSlug, req.Usage, now, map[string]any{
		"kind":    "report",
		"allowed": result.Allowed,
	})
	return result, nil
}

func (s *Service) Entitlements(ctx context.Context, projectID, customerID snowflake.ID) ([]domain.Entitlement, error) {
	return s.repo.ListByCustomer(ctx, s.db, projectID, customerID)
}

func (s *Service) GetUsage(ctx context.Context, filter analyticsdomain.UsageFilter) ([]analyticsdomain.UsageRow, error) {
	return s.analytics.ListUsage(ctx, s.db, filter)
}

// checkSubject maps missing or inactive project and customer rows to
// denial reasons. An empty return means the subject may proceed.
func (s *Service) checkSubject(ctx context.Context, projectID, customerID snowflake.ID) domain.DeniedReason {
	project, err := s.customers.FindProject(ctx, s.db, projectID)
	if err != nil || project == nil || !project.Active {
		return domain.DeniedProjectInactive
	}
	customer, err := s.customers.FindCustomer(ctx, s.db, projectID, customerID)
	if err != nil || customer == nil {
		return domain.DeniedCustomerNotFound
	}
	if !customer.Active {
		return domain.DeniedCustomerBlocked
	}
	return ""
}

// resolveState fetches or builds the entitlement, refreshing the grant
// snapshot when the active set changed, and reconciles the meter.
func (s *Service) resolveState(ctx context.Context, projectID, customerID snowflake.ID, featureSlug string, now time.Time) (*domain.Entitlement, domain.DeniedReason, error) {
	ent, err := s.repo.FindByCustomerFeature(ctx, s.db, projectID, customerID, featureSlug)
	if err != nil {
		return nil, "", err
	}

	active, err := s.grants.ListActiveForFeature(ctx, s.db, projectID, customerID, featureSlug, now)
	if err != nil {
		return nil, "", err
	}
	active = grantdomain.FilterActive(active, now)
	if len(active) == 0 {
		return nil, domain.DeniedFeatureNotEntitled, nil
	}

	snap, err := grantdomain.Merge(active)
	if err != nil {
		return nil, "", err
	}

	created := false
	if ent == nil {
		created = true
		ent = &domain.Entitlement{
			ID:         s.genID.Generate(),
			ProjectID:  projectID,
			CustomerID: customerID,
			CreatedAt:  now,
		}
		s.applySnapshot(ent, snap)
		ent.CurrentCycleStartAt = now
		ent.CurrentCycleEndAt = now
	} else if snap.Version != ent.Version {
		s.applySnapshot(ent, snap)
	}

	reset, err := s.meter.Reconcile(ctx, s.db, ent, now)
	if err != nil {
		return nil, "", err
	}
	if reset {
		metrics.Evaluator().IncReconcileReset()
	}

	if created {
		err = s.repo.Create(ctx, s.db, ent)
		if db.IsDuplicateKeyErr(err) {
			// Lost the first-materialization race on the unique
			// (project, customer, feature) row; the winner's state is
			// equivalent, so serve it.
			existing, ferr := s.repo.FindByCustomerFeature(ctx, s.db, ent.ProjectID, ent.CustomerID, ent.FeatureSlug)
			if ferr != nil {
				return nil, "", ferr
			}
			if existing != nil {
				return existing, "", nil
			}
		}
	} else {
		err = s.repo.Save(ctx, s.db, ent)
	}
	if err != nil {
		return nil, "", err
	}
	return ent, "", nil
}

func (s *Service) applySnapshot(ent *domain.Entitlement, snap *grantdomain.Snapshot) {
	ent.FeatureSlug = snap.FeatureSlug
	ent.FeatureType = snap.FeatureType
	ent.Limit = snap.Limit
	ent.HardLimit = snap.HardLimit
	ent.AggregationMethod = snap.AggregationMethod
	ent.ResetConfig = datatypes.NewJSONType(snap.ResetConfig)
	ent.Grants = datatypes.NewJSONType(snap.Grants)
	ent.Version = snap.Version
}

func stateKey(projectID, customerID snowflake.ID, featureSlug string) string {
	return fmt.Sprintf("entitlement:%d:%d:%s", projectID, customerID, featureSlug)
}

func (s *Service) cachedState(ctx context.Context, projectID, customerID snowflake.ID, featureSlug string) (*domain.Entitlement, bool) {
	raw, ok, err := s.state.Get(ctx, stateKey(projectID, customerID, featureSlug))
	if err != nil {
		s.log.Warn("entitlement state cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var ent domain.Entitlement
	if err := json.Unmarshal(raw, &ent); err != nil {
		return nil, false
	}
	return &ent, true
}

func (s *Service) cacheState(ctx context.Context, ent *domain.Entitlement) {
	raw, err := json.Marshal(ent)
	if err != nil {
		return
	}
	key := stateKey(ent.ProjectID, ent.CustomerID, ent.FeatureSlug)
	if err := s.state.Set(ctx, key, raw, stateTTL); err != nil {
		s.log.Warn("entitlement state cache write failed", zap.Error(err))
	}
}

// auditAsync records the evaluation in analytics as an accepted event.
// Accepted events are invisible to aggregation, so audits never inflate
// billable usage.
func (s *Service) auditAsync(projectID, customerID snowflake.ID, featureSlug string, value float64, now time.Time, meta map[string]any) {
	event := &analyticsdomain.UsageEvent{
		ID:          s.genID.Generate(),
		ProjectID:   projectID,
		CustomerID:  customerID,
		FeatureSlug: featureSlug,
		Value:       value,
		RecordedAt:  now,
		Status:      analyticsdomain.EventStatusAccepted,
		Metadata:    datatypes.JSONMap(meta),
	}
	key := ulid.Make().String()
	event.IdempotencyKey = &key

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		if err := s.analytics.Ingest(ctx, s.db, []*analyticsdomain.UsageEvent{event}); err != nil {
			s.log.Warn("audit ingest failed", zap.Error(err))
		}
	}()
}
