package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/billingperiod/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, period *domain.BillingPeriod) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(period)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListPendingDue(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, now time.Time) ([]domain.BillingPeriod, error) {
	var periods []domain.BillingPeriod
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND status = ? AND invoice_at <= ?", subscriptionID, domain.StatusPending, now).
		Order("invoice_at asc, id asc").
		Find(&periods).Error
	if err != nil {
		return nil, err
	}
	return periods, nil
}

func (r *repo) CountPendingDue(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, now time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.BillingPeriod{}).
		Where("subscription_id = ? AND status = ? AND invoice_at <= ?", subscriptionID, domain.StatusPending, now).
		Count(&count).Error
	return count, err
}

func (r *repo) MarkInvoiced(ctx context.Context, db *gorm.DB, periodIDs []snowflake.ID, invoiceID snowflake.ID) error {
	if len(periodIDs) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.BillingPeriod{}).
		Where("id IN ?", periodIDs).
		Updates(map[string]any{
			"status":     domain.StatusInvoiced,
			"invoice_id": invoiceID,
			"updated_at": time.Now().UTC(),
		}).Error
}
