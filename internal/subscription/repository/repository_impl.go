package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/smallbiznis/meterbill/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindSubscription(ctx context.Context, db *gorm.DB, projectID, subscriptionID snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("project_id = ? AND id = ?", projectID, subscriptionID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repo) CreateSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) SaveSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Save(sub).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, status domain.Status, active bool) error {
	return db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ?", subscriptionID).
		Updates(map[string]any{"status": status, "active": active}).Error
}

func (r *repo) ActivePhase(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, now time.Time) (*domain.SubscriptionPhase, error) {
	var phase domain.SubscriptionPhase
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Where("start_at <= ? AND (end_at IS NULL OR end_at > ?)", now, now).
		Order("start_at desc").
		First(&phase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &phase, nil
}

func (r *repo) FindPhase(ctx context.Context, db *gorm.DB, phaseID snowflake.ID) (*domain.SubscriptionPhase, error) {
	var phase domain.SubscriptionPhase
	err := db.WithContext(ctx).Where("id = ?", phaseID).First(&phase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &phase, nil
}

func (r *repo) CreatePhase(ctx context.Context, db *gorm.DB, phase *domain.SubscriptionPhase, items []*domain.SubscriptionItem) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(phase).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Create(items).Error
	})
}

func (r *repo) SavePhase(ctx context.Context, db *gorm.DB, phase *domain.SubscriptionPhase) error {
	return db.WithContext(ctx).Save(phase).Error
}

func (r *repo) ClosePhase(ctx context.Context, db *gorm.DB, phaseID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.SubscriptionPhase{}).
		Where("id = ?", phaseID).
		Update("end_at", at).Error
}

func (r *repo) HasOverlappingPhase(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, startAt time.Time, endAt *time.Time) (bool, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.SubscriptionPhase{}).
		Where("subscription_id = ?", subscriptionID).
		Where("end_at IS NULL OR end_at > ?", startAt)
	if endAt != nil {
		stmt = stmt.Where("start_at < ?", *endAt)
	}
	var count int64
	if err := stmt.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) LoadPhaseContext(ctx context.Context, db *gorm.DB, phase domain.SubscriptionPhase) (*domain.PhaseContext, error) {
	var plan plandomain.PlanVersion
	if err := db.WithContext(ctx).Where("id = ?", phase.PlanVersionID).First(&plan).Error; err != nil {
		return nil, fmt.Errorf("load plan version %d: %w", phase.PlanVersionID, err)
	}

	var items []domain.SubscriptionItem
	err := db.WithContext(ctx).
		Where("subscription_phase_id = ?", phase.ID).
		Order("id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	fpvIDs := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		fpvIDs = append(fpvIDs, item.FeaturePlanVersionID)
	}

	features := map[snowflake.ID]plandomain.FeaturePlanVersion{}
	if len(fpvIDs) > 0 {
		var rows []plandomain.FeaturePlanVersion
		if err := db.WithContext(ctx).Where("id IN ?", fpvIDs).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			features[row.ID] = row
		}
	}

	out := &domain.PhaseContext{Phase: phase, Plan: plan, Items: make([]domain.ItemContext, 0, len(items))}
	for _, item := range items {
		feature, ok := features[item.FeaturePlanVersionID]
		if !ok {
			return nil, fmt.Errorf("item %d references missing feature plan version %d", item.ID, item.FeaturePlanVersionID)
		}
		out.Items = append(out.Items, domain.ItemContext{Item: item, Feature: feature})
	}
	return out, nil
}
