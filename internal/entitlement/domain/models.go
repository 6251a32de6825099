// Package domain contains entitlement state: the effective limit and
// usage of one feature for one customer, derived from grants.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/meterbill/internal/grant/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"gorm.io/datatypes"
)

type DeniedReason string

const (
	DeniedLimitExceeded       DeniedReason = "LIMIT_EXCEEDED"
	DeniedFeatureNotEntitled  DeniedReason = "FEATURE_NOT_ENTITLED"
	DeniedSubscriptionInactive DeniedReason = "SUBSCRIPTION_INACTIVE"
	DeniedCustomerBlocked     DeniedReason = "CUSTOMER_BLOCKED"
	DeniedHardLimit           DeniedReason = "HARD_LIMIT"
	DeniedCustomerNotFound    DeniedReason = "CUSTOMER_NOT_FOUND"
	DeniedProjectInactive     DeniedReason = "PROJECT_INACTIVE"
)

// Meter is the reconciliation cursor against the analytics store, stored
// as JSON on the entitlement.
type Meter struct {
	LastReconciledID snowflake.ID `json:"lastReconciledId"`
	SnapshotUsage    float64      `json:"snapshotUsage"`
	LastUpdated      time.Time    `json:"lastUpdated"`
	Usage            float64      `json:"usage"`
	LastCycleStart   *time.Time   `json:"lastCycleStart,omitempty"`
}

// Entitlement is unique per (project, customer, featureSlug). Version is
// the hash of the active grant set and fences cached copies.
type Entitlement struct {
	ID                  snowflake.ID                                      `gorm:"primaryKey"`
	ProjectID           snowflake.ID                                      `gorm:"not null;uniqueIndex:entitlements_unique_subject_feature,priority:1"`
	CustomerID          snowflake.ID                                      `gorm:"not null;uniqueIndex:entitlements_unique_subject_feature,priority:2"`
	FeatureSlug         string                                            `gorm:"type:text;not null;uniqueIndex:entitlements_unique_subject_feature,priority:3"`
	FeatureType         plandomain.FeatureType                            `gorm:"type:text;not null"`
	Limit               *int64                                            `gorm:""`
	HardLimit           bool                                              `gorm:"not null;default:false"`
	ResetConfig         datatypes.JSONType[plandomain.ResetConfig]        `gorm:"type:jsonb"`
	AggregationMethod   plandomain.AggregationMethod                      `gorm:"type:text;not null"`
	Timezone            string                                            `gorm:"type:text;not null;default:UTC"`
	CurrentCycleStartAt time.Time                                         `gorm:"not null"`
	CurrentCycleEndAt   time.Time                                         `gorm:"not null"`
	CurrentCycleUsage   float64                                           `gorm:"not null;default:0"`
	AccumulatedUsage    float64                                           `gorm:"not null;default:0"`
	Version             string                                            `gorm:"type:varchar(64);not null"`
	Grants              datatypes.JSONType[[]grantdomain.SnapshotGrant]   `gorm:"type:jsonb"`
	Meter               datatypes.JSONType[Meter]                         `gorm:"type:jsonb"`
	CreatedAt           time.Time                                         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time                                         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Entitlement) TableName() string { return "entitlements" }

// Snapshot rebuilds the merged grant view carried by this entitlement,
// in the shape the pricing waterfall consumes.
func (e Entitlement) Snapshot() *grantdomain.Snapshot {
	return &grantdomain.Snapshot{
		FeatureSlug:       e.FeatureSlug,
		FeatureType:       e.FeatureType,
		Limit:             e.Limit,
		HardLimit:         e.HardLimit,
		AggregationMethod: e.AggregationMethod,
		ResetConfig:       e.ResetConfig.Data(),
		Grants:            e.Grants.Data(),
		Version:           e.Version,
	}
}

// EffectiveUsage is the value limits are checked against. The _all
// aggregation variants span cycles, so they include prior-cycle usage.
func (e Entitlement) EffectiveUsage() float64 {
	if e.AggregationMethod.IgnoresCycleReset() {
		return e.AccumulatedUsage + e.CurrentCycleUsage
	}
	return e.CurrentCycleUsage
}

// EffectiveRemaining returns limit minus effective usage, nil when
// unbounded.
func (e Entitlement) EffectiveRemaining() *float64 {
	if e.Limit == nil {
		return nil
	}
	remaining := float64(*e.Limit) - e.EffectiveUsage()
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// Remaining returns limit minus current usage, nil when unbounded.
func (e Entitlement) Remaining() *float64 {
	if e.Limit == nil {
		return nil
	}
	remaining := float64(*e.Limit) - e.CurrentCycleUsage
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// VerifyResult is the outcome of an entitlement check.
type VerifyResult struct {
	Allowed      bool
	DeniedReason DeniedReason
	Remaining    *float64
	Limit        *int64
	Usage        float64
	FeatureType  plandomain.FeatureType
	CostCents    int64
	Latency      time.Duration
}

// ReportResult is the outcome of a usage report.
type ReportResult struct {
	Allowed           bool
	DeniedReason      DeniedReason
	Remaining         *float64
	Usage             float64
	CostCents         int64
	NotifiedOverLimit bool
	CacheHit          bool
}
