// Package meter reconciles entitlement usage against the analytics
// store and advances reset cycles. It owns the usage side of
// entitlement state; the grant snapshot side belongs to the evaluator.
package meter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
	"github.com/smallbiznis/meterbill/internal/cache"
	"github.com/smallbiznis/meterbill/internal/calendar"
	"github.com/smallbiznis/meterbill/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/smallbiznis/meterbill/internal/rating"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// replayTTL bounds how long a usage report stays replayable on its
// idempotence key.
const replayTTL = 24 * time.Hour

type Meter struct {
	store   analyticsdomain.Store
	repo    domain.Repository
	replays *cache.TTL[domain.ReportResult]
}

func New(store analyticsdomain.Store, repo domain.Repository) *Meter {
	return &Meter{
		store:   store,
		repo:    repo,
		replays: cache.NewTTL[domain.ReportResult](),
	}
}

// Reconcile pulls usage recorded since the cursor into the meter, then
// advances the reset cycle if its window has moved. Returns whether a
// cycle rollover happened. The entitlement is mutated, not persisted.
func (m *Meter) Reconcile(ctx context.Context, db *gorm.DB, e *domain.Entitlement, now time.Time) (bool, error) {
	mt := e.Meter.Data()

	agg, err := m.store.AggregateSince(ctx, db, e.ID, mt.LastReconciledID, e.AggregationMethod)
	if err != nil {
		return false, err
	}
	if agg.Count > 0 {
		switch e.AggregationMethod.Base() {
		case plandomain.AggregationMax:
			if agg.Value > mt.Usage {
				mt.Usage = agg.Value
			}
		case plandomain.AggregationLastDuringPeriod:
			mt.Usage = agg.Value
		default:
			mt.Usage += agg.Value
		}
		mt.LastReconciledID = agg.LastID
	}

	reset := false
	window, err := m.resetWindow(e, now)
	if err != nil {
		return false, err
	}
	if window != nil && (mt.LastCycleStart == nil || window.Start.After(*mt.LastCycleStart)) {
		// The first observation only anchors the cycle; rollovers fold
		// the closing cycle's usage into the accumulated counter.
		if mt.LastCycleStart != nil {
			e.AccumulatedUsage += mt.Usage
			mt.SnapshotUsage = mt.Usage
			mt.Usage = 0
			reset = true
		}
		start := window.Start
		mt.LastCycleStart = &start
		e.CurrentCycleStartAt = window.Start
		e.CurrentCycleEndAt = window.End
	}

	mt.LastUpdated = now
	e.CurrentCycleUsage = mt.Usage
	e.Meter = datatypes.NewJSONType(mt)
	return reset, nil
}

// ReportUsage reconciles, checks the limit, applies the delta, and
// persists. Hard limits reject the delta entirely; soft limits accept
// it and flag the overrun. Replays on the idempotence key return the
// original result.
func (m *Meter) ReportUsage(ctx context.Context, db *gorm.DB, e *domain.Entitlement, delta float64, idempotenceKey string, now time.Time) (domain.ReportResult, error) {
	key := replayKey(e.ID.Int64(), idempotenceKey)
	if idempotenceKey != "" {
		if prior, ok := m.replays.Get(key, now); ok {
			prior.CacheHit = true
			return prior, nil
		}
	}

	if _, err := m.Reconcile(ctx, db, e, now); err != nil {
		return domain.ReportResult{}, err
	}

	result := domain.ReportResult{Allowed: true}
	usage := e.EffectiveUsage()

	if e.Limit != nil && usage+delta > float64(*e.Limit) {
		if e.HardLimit {
			result.Allowed = false
			result.DeniedReason = domain.DeniedLimitExceeded
			result.Usage = usage
			result.Remaining = e.EffectiveRemaining()
			if err := m.finishReport(ctx, db, e, key, idempotenceKey, now, &result); err != nil {
				return domain.ReportResult{}, err
			}
			return result, nil
		}
		result.NotifiedOverLimit = true
	}

	m.applyDelta(e, delta)
	result.Usage = e.EffectiveUsage()
	result.Remaining = e.EffectiveRemaining()
	if err := m.finishReport(ctx, db, e, key, idempotenceKey, now, &result); err != nil {
		return domain.ReportResult{}, err
	}
	return result, nil
}

func (m *Meter) finishReport(ctx context.Context, db *gorm.DB, e *domain.Entitlement, key, idempotenceKey string, now time.Time, result *domain.ReportResult) error {
	if e.FeatureType.Metered() && len(e.Grants.Data()) > 0 {
		priced, err := rating.Price(e.Snapshot(), e.EffectiveUsage())
		if err != nil {
			return err
		}
		result.CostCents = priced.TotalCents
	}
	if err := m.repo.Save(ctx, db, e); err != nil {
		return err
	}
	if idempotenceKey != "" {
		m.replays.Set(key, *result, now, replayTTL)
	}
	return nil
}

func (m *Meter) applyDelta(e *domain.Entitlement, delta float64) {
	mt := e.Meter.Data()
	switch e.AggregationMethod.Base() {
	case plandomain.AggregationMax:
		if delta > mt.Usage {
			mt.Usage = delta
		}
	case plandomain.AggregationLastDuringPeriod:
		mt.Usage = delta
	case plandomain.AggregationCount:
		mt.Usage++
	default:
		mt.Usage += delta
	}
	e.CurrentCycleUsage = mt.Usage
	e.Meter = datatypes.NewJSONType(mt)
}

func (m *Meter) resetWindow(e *domain.Entitlement, now time.Time) (*calendar.Window, error) {
	rc := e.ResetConfig.Data()
	if rc.Interval == "" {
		return nil, nil
	}
	effectiveStart := e.CreatedAt
	if effectiveStart.IsZero() {
		effectiveStart = now
	}
	return calendar.CycleWindow(now, calendar.Input{
		EffectiveStart: effectiveStart,
		Config: calendar.BillingConfig{
			Interval:      rc.Interval,
			IntervalCount: rc.IntervalCount,
			Anchor:        rc.Anchor,
		},
	})
}

func replayKey(entitlementID int64, idempotenceKey string) string {
	sum := sha256.Sum256([]byte(idempotenceKey))
	return fmt.Sprintf("%d:%s", entitlementID, hex.EncodeToString(sum[:]))
}
