package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/grant/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, grants []*domain.Grant) error {
	if len(grants) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(grants).Error
}

func (r *repo) MarkDeleted(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.Grant{}).
		Where("id IN ?", ids).
		Update("deleted", true).Error
}

func (r *repo) ListActiveForFeature(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID, featureSlug string, now time.Time) ([]domain.ActiveGrant, error) {
	configs, err := r.featureConfigs(ctx, db, projectID, "feature_slug = ?", featureSlug)
	if err != nil || len(configs) == 0 {
		return nil, err
	}
	return r.activeGrants(ctx, db, projectID, customerID, now, configs)
}

func (r *repo) ListActiveForCustomer(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID, now time.Time) ([]domain.ActiveGrant, error) {
	configs, err := r.featureConfigs(ctx, db, projectID, "1 = 1")
	if err != nil || len(configs) == 0 {
		return nil, err
	}
	return r.activeGrants(ctx, db, projectID, customerID, now, configs)
}

func (r *repo) featureConfigs(ctx context.Context, db *gorm.DB, projectID snowflake.ID, cond string, args ...any) (map[snowflake.ID]plandomain.FeaturePlanVersion, error) {
	var rows []plandomain.FeaturePlanVersion
	err := db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Where(cond, args...).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	configs := make(map[snowflake.ID]plandomain.FeaturePlanVersion, len(rows))
	for _, row := range rows {
		configs[row.ID] = row
	}
	return configs, nil
}

func (r *repo) activeGrants(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID, now time.Time, configs map[snowflake.ID]plandomain.FeaturePlanVersion) ([]domain.ActiveGrant, error) {
	ids := make([]snowflake.ID, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}

	var grants []domain.Grant
	err := db.WithContext(ctx).
		Where("project_id = ? AND feature_plan_version_id IN ?", projectID, ids).
		Where("deleted = ?", false).
		Where("effective_at <= ? AND (expires_at IS NULL OR expires_at > ?)", now, now).
		Where("(subject_type = ? AND subject_id = ?) OR (subject_type = ? AND subject_id = ?)",
			domain.SubjectTypeCustomer, customerID,
			domain.SubjectTypeProject, projectID,
		).
		Order("id asc").
		Find(&grants).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.ActiveGrant, 0, len(grants))
	for _, g := range grants {
		fpv := configs[g.FeaturePlanVersionID]
		out = append(out, domain.ActiveGrant{
			Grant:             g,
			FeatureSlug:       fpv.FeatureSlug,
			FeatureType:       fpv.FeatureType,
			AggregationMethod: fpv.AggregationMethod,
			ResetConfig:       fpv.ResetConfig.Data(),
			Config:            fpv.Config.Data(),
		})
	}
	return out, nil
}
