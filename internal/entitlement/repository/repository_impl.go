package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByCustomerFeature(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID, featureSlug string) (*domain.Entitlement, error) {
	var entitlement domain.Entitlement
	err := db.WithContext(ctx).
		Where("project_id = ? AND customer_id = ? AND feature_slug = ?", projectID, customerID, featureSlug).
		First(&entitlement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entitlement, nil
}

func (r *repo) ListByCustomer(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID) ([]domain.Entitlement, error) {
	var entitlements []domain.Entitlement
	err := db.WithContext(ctx).
		Where("project_id = ? AND customer_id = ?", projectID, customerID).
		Order("feature_slug asc").
		Find(&entitlements).Error
	if err != nil {
		return nil, err
	}
	return entitlements, nil
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, entitlement *domain.Entitlement) error {
	return db.WithContext(ctx).Create(entitlement).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, entitlement *domain.Entitlement) error {
	return db.WithContext(ctx).Save(entitlement).Error
}
