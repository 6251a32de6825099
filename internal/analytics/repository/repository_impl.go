package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/analytics/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/smallbiznis/meterbill/pkg/db/option"
	"github.com/smallbiznis/meterbill/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Store {
	return &repo{}
}

func (r *repo) Ingest(ctx context.Context, db *gorm.DB, events []*domain.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	// Replays on the idempotency key are silently absorbed.
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(events).Error
}

func (r *repo) AggregateSince(ctx context.Context, db *gorm.DB, entitlementID, sinceID snowflake.ID, method plandomain.AggregationMethod) (domain.CursorAggregate, error) {
	expr, err := aggregateExpr(method.Base())
	if err != nil {
		return domain.CursorAggregate{}, err
	}

	var row struct {
		Value  float64
		LastID snowflake.ID
		Count  int64
	}
	err = db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT %s AS value, COALESCE(MAX(id), ?) AS last_id, COUNT(*) AS count
		 FROM usage_events
		 WHERE entitlement_id = ? AND id > ? AND status = ?`, expr),
		sinceID,
		entitlementID,
		sinceID,
		domain.EventStatusEnriched,
	).Scan(&row).Error
	if err != nil {
		return domain.CursorAggregate{}, err
	}

	if method.Base() == plandomain.AggregationLastDuringPeriod && row.Count > 0 {
		err = db.WithContext(ctx).Raw(
			`SELECT value FROM usage_events
			 WHERE entitlement_id = ? AND id > ? AND status = ?
			 ORDER BY recorded_at DESC, id DESC
			 LIMIT 1`,
			entitlementID,
			sinceID,
			domain.EventStatusEnriched,
		).Scan(&row.Value).Error
		if err != nil {
			return domain.CursorAggregate{}, err
		}
	}

	return domain.CursorAggregate{Value: row.Value, LastID: row.LastID, Count: row.Count}, nil
}

func (r *repo) AggregateWindow(ctx context.Context, db *gorm.DB, subscriptionItemID snowflake.ID, start, end time.Time, method plandomain.AggregationMethod) (float64, error) {
	if method.Base() == plandomain.AggregationLastDuringPeriod {
		var value float64
		err := db.WithContext(ctx).Raw(
			`SELECT COALESCE((SELECT value FROM usage_events
			 WHERE subscription_item_id = ? AND recorded_at >= ? AND recorded_at < ? AND status = ?
			 ORDER BY recorded_at DESC, id DESC LIMIT 1), 0)`,
			subscriptionItemID, start, end, domain.EventStatusEnriched,
		).Scan(&value).Error
		return value, err
	}

	expr, err := aggregateExpr(method.Base())
	if err != nil {
		return 0, err
	}

	var value float64
	err = db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT %s FROM usage_events
		 WHERE subscription_item_id = ? AND recorded_at >= ? AND recorded_at < ? AND status = ?`, expr),
		subscriptionItemID, start, end, domain.EventStatusEnriched,
	).Scan(&value).Error
	return value, err
}

func (r *repo) ListUsage(ctx context.Context, db *gorm.DB, filter domain.UsageFilter) ([]domain.UsageRow, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.UsageEvent{}).
		Select("entitlement_id, customer_id, feature_slug, value, recorded_at").
		Where("project_id = ?", filter.ProjectID).
		Where("status = ?", domain.EventStatusEnriched)
	if filter.CustomerID != nil {
		stmt = stmt.Where("customer_id = ?", *filter.CustomerID)
	}
	if filter.FeatureSlug != "" {
		stmt = stmt.Where("feature_slug = ?", filter.FeatureSlug)
	}
	if filter.EntitlementID != nil {
		stmt = stmt.Where("entitlement_id = ?", *filter.EntitlementID)
	}
	if filter.Start != nil {
		stmt = stmt.Where("recorded_at >= ?", *filter.Start)
	}
	if filter.End != nil {
		stmt = stmt.Where("recorded_at < ?", *filter.End)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 250
	}

	var rows []domain.UsageRow
	err := stmt.Order("recorded_at desc, id desc").Limit(limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, filter domain.UsageFilter, page pagination.Pagination) (*domain.EventPage, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.UsageEvent{}).
		Where("project_id = ?", filter.ProjectID)
	if filter.CustomerID != nil {
		stmt = stmt.Where("customer_id = ?", *filter.CustomerID)
	}
	if filter.FeatureSlug != "" {
		stmt = stmt.Where("feature_slug = ?", filter.FeatureSlug)
	}
	if filter.Start != nil {
		stmt = stmt.Where("recorded_at >= ?", *filter.Start)
	}
	if filter.End != nil {
		stmt = stmt.Where("recorded_at < ?", *filter.End)
	}

	stmt = option.ApplyPagination(page).Apply(stmt)
	stmt = option.WithOrder("id desc").Apply(stmt)

	var events []*domain.UsageEvent
	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}

	size := page.PageSize
	if size <= 0 {
		size = 10
	}
	if size > 250 {
		size = 250
	}
	events, info := pagination.BuildCursorPageInfo(events, size, func(ev *domain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        ev.ID.String(),
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	return &domain.EventPage{Events: events, PageInfo: info}, nil
}

func aggregateExpr(method plandomain.AggregationMethod) (string, error) {
	switch method {
	case plandomain.AggregationSum:
		return "COALESCE(SUM(value), 0)", nil
	case plandomain.AggregationMax:
		return "COALESCE(MAX(value), 0)", nil
	case plandomain.AggregationCount:
		return "COUNT(*)", nil
	case plandomain.AggregationLastDuringPeriod:
		// caller replaces the value with a point query
		return "COALESCE(SUM(value), 0)", nil
	default:
		return "", fmt.Errorf("unsupported aggregation %q", method)
	}
}
