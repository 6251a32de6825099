// Package domain contains immutable plan configuration consumed by the
// billing engine. Plan authoring happens elsewhere; these rows arrive
// published and are never mutated here.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/meterbill/internal/calendar"
	"gorm.io/datatypes"
)

type WhenToBill string

const (
	PayInAdvance WhenToBill = "pay_in_advance"
	PayInArrear  WhenToBill = "pay_in_arrear"
)

type CollectionMethod string

const (
	ChargeAutomatically CollectionMethod = "charge_automatically"
	SendInvoice         CollectionMethod = "send_invoice"
)

type FeatureType string

const (
	FeatureTypeFlat    FeatureType = "flat"
	FeatureTypeTier    FeatureType = "tier"
	FeatureTypeUsage   FeatureType = "usage"
	FeatureTypePackage FeatureType = "package"
)

// Metered reports whether usage volume drives the price.
func (t FeatureType) Metered() bool {
	return t == FeatureTypeTier || t == FeatureTypeUsage
}

type AggregationMethod string

const (
	AggregationSum              AggregationMethod = "sum"
	AggregationMax              AggregationMethod = "max"
	AggregationLastDuringPeriod AggregationMethod = "last_during_period"
	AggregationCount            AggregationMethod = "count"
	AggregationSumAll           AggregationMethod = "sum_all"
	AggregationMaxAll           AggregationMethod = "max_all"
	AggregationCountAll         AggregationMethod = "count_all"
)

// IgnoresCycleReset reports the _all variants that accumulate across cycles.
func (m AggregationMethod) IgnoresCycleReset() bool {
	switch m {
	case AggregationSumAll, AggregationMaxAll, AggregationCountAll:
		return true
	}
	return false
}

// Base strips the _all suffix for the analytics query.
func (m AggregationMethod) Base() AggregationMethod {
	switch m {
	case AggregationSumAll:
		return AggregationSum
	case AggregationMaxAll:
		return AggregationMax
	case AggregationCountAll:
		return AggregationCount
	}
	return m
}

// TierRow is one rung of a graduated ladder. UpTo nil means unbounded.
type TierRow struct {
	UpTo            *int64 `json:"upTo"`
	UnitAmountCents int64  `json:"unitAmountCents"`
	FlatAmountCents int64  `json:"flatAmountCents"`
}

// FeatureConfig is the pricing formula payload. Exactly one shape applies
// per feature type: tiers for tier, unit amount for usage, package size +
// amount for package, flat amount for flat.
type FeatureConfig struct {
	Tiers              []TierRow `json:"tiers,omitempty"`
	UnitAmountCents    int64     `json:"unitAmountCents,omitempty"`
	PackageSize        int64     `json:"packageSize,omitempty"`
	PackageAmountCents int64     `json:"packageAmountCents,omitempty"`
	FlatAmountCents    int64     `json:"flatAmountCents,omitempty"`
}

// ResetConfig drives the entitlement usage cycle, independent of billing.
type ResetConfig struct {
	Interval      calendar.Interval `json:"interval"`
	IntervalCount int               `json:"intervalCount"`
	Anchor        int               `json:"anchor"`
}

// BillingConfigRow is the persisted recurrence rule for an item.
type BillingConfigRow struct {
	Interval      calendar.Interval `json:"interval"`
	IntervalCount int               `json:"intervalCount"`
	Anchor        int               `json:"anchor"`
	PlanType      string            `json:"planType"`
}

// GraceConfig is the plan-level grace used to compute pastDueAt.
type GraceConfig struct {
	Interval calendar.Interval `json:"interval"`
	Units    int               `json:"units"`
}

// PlanVersion is one published revision of a plan.
type PlanVersion struct {
	ID                    snowflake.ID                          `gorm:"primaryKey"`
	ProjectID             snowflake.ID                          `gorm:"not null;index"`
	PlanSlug              string                                `gorm:"type:text;not null;index"`
	Version               int                                   `gorm:"not null"`
	Currency              string                                `gorm:"type:text;not null"`
	PaymentProvider       string                                `gorm:"type:text;not null"`
	WhenToBill            WhenToBill                            `gorm:"type:text;not null"`
	CollectionMethod      CollectionMethod                      `gorm:"type:text;not null"`
	BillingConfig         datatypes.JSONType[BillingConfigRow]  `gorm:"type:jsonb"`
	GracePeriod           datatypes.JSONType[GraceConfig]       `gorm:"type:jsonb"`
	AutoRenew             bool                                  `gorm:"not null;default:true"`
	RequiredPaymentMethod bool                                  `gorm:"not null;default:true"`
	TrialDays             int                                   `gorm:"not null;default:0"`
	Published             bool                                  `gorm:"not null;default:false"`
	CreatedAt             time.Time                             `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time                             `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PlanVersion) TableName() string { return "plan_versions" }

// FeaturePlanVersion binds one feature's pricing to a plan version.
type FeaturePlanVersion struct {
	ID                snowflake.ID                       `gorm:"primaryKey"`
	ProjectID         snowflake.ID                       `gorm:"not null;index"`
	PlanVersionID     snowflake.ID                       `gorm:"not null;index"`
	FeatureSlug       string                             `gorm:"type:text;not null;index"`
	FeatureType       FeatureType                        `gorm:"type:text;not null"`
	AggregationMethod AggregationMethod                  `gorm:"type:text;not null"`
	Config            datatypes.JSONType[FeatureConfig]  `gorm:"type:jsonb"`
	ResetConfig       datatypes.JSONType[ResetConfig]    `gorm:"type:jsonb"`
	BillingConfig     datatypes.JSONType[BillingConfigRow] `gorm:"type:jsonb"`
	Limit             *int64                             `gorm:""`
	HardLimit         bool                               `gorm:"not null;default:false"`
	CreatedAt         time.Time                          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time                          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (FeaturePlanVersion) TableName() string { return "feature_plan_versions" }

// NormalizeSlug canonicalizes user-supplied feature and plan slugs.
func NormalizeSlug(raw string) string {
	return slug.Make(raw)
}
