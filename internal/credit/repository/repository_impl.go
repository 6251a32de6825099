package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/credit/domain"
	dbpkg "github.com/smallbiznis/meterbill/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, grant *domain.CreditGrant) error {
	return db.WithContext(ctx).Create(grant).Error
}

// ListApplicable locks the candidate rows so two concurrent finalize
// transactions for the same customer cannot drain one grant twice.
func (r *repo) ListApplicable(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID, currency, paymentProvider string, now time.Time) ([]domain.CreditGrant, error) {
	var grants []domain.CreditGrant
	err := dbpkg.ForUpdate(db.WithContext(ctx)).
		Where("project_id = ? AND customer_id = ?", projectID, customerID).
		Where("currency = ? AND payment_provider = ?", currency, paymentProvider).
		Where("active = ?", true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Where("amount_used < total_amount").
		Order("expires_at IS NULL, expires_at asc, id asc").
		Find(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) Apply(ctx context.Context, db *gorm.DB, grant *domain.CreditGrant, application *domain.InvoiceCreditApplication) error {
	if application.AmountApplied <= 0 {
		return fmt.Errorf("credit application amount must be positive, got %d", application.AmountApplied)
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Guard against a concurrent finalizer spending the same grant.
		res := tx.Model(&domain.CreditGrant{}).
			Where("id = ? AND amount_used + ? <= total_amount", grant.ID, application.AmountApplied).
			Updates(map[string]any{
				"amount_used": gorm.Expr("amount_used + ?", application.AmountApplied),
				"updated_at":  time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("credit grant %d has insufficient balance", grant.ID)
		}

		if err := tx.Model(&domain.CreditGrant{}).
			Where("id = ? AND amount_used >= total_amount", grant.ID).
			Update("active", false).Error; err != nil {
			return err
		}

		if err := tx.Create(application).Error; err != nil {
			return err
		}

		grant.AmountUsed += application.AmountApplied
		if grant.AmountUsed >= grant.TotalAmount {
			grant.Active = false
		}
		return nil
	})
}
