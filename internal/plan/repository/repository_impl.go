package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindVersion(ctx context.Context, db *gorm.DB, projectID snowflake.ID, planSlug string, version int) (*domain.PlanVersion, error) {
	q := db.WithContext(ctx).
		Where("project_id = ? AND plan_slug = ? AND published = ?", projectID, domain.NormalizeSlug(planSlug), true)
	if version > 0 {
		q = q.Where("version = ?", version)
	} else {
		q = q.Order("version desc")
	}

	var plan domain.PlanVersion
	err := q.First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repo) ListFeatures(ctx context.Context, db *gorm.DB, planVersionID snowflake.ID) ([]domain.FeaturePlanVersion, error) {
	var features []domain.FeaturePlanVersion
	err := db.WithContext(ctx).
		Where("plan_version_id = ?", planVersionID).
		Order("feature_slug asc").
		Find(&features).Error
	if err != nil {
		return nil, err
	}
	return features, nil
}
