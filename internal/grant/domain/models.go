// Package domain contains grant rows and the snapshot merge that turns a
// set of active grants into one effective entitlement.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
)

type GrantType string

const (
	GrantTypeSubscription GrantType = "subscription"
	GrantTypeTrial        GrantType = "trial"
	GrantTypePromotion    GrantType = "promotion"
	GrantTypeManual       GrantType = "manual"
)

// DefaultPriority returns the waterfall priority assigned when a grant is
// created without an explicit one.
func DefaultPriority(t GrantType) int {
	switch t {
	case GrantTypeSubscription:
		return 10
	case GrantTypeTrial:
		return 80
	case GrantTypePromotion:
		return 90
	case GrantTypeManual:
		return 100
	default:
		return 0
	}
}

type SubjectType string

const (
	SubjectTypeCustomer SubjectType = "customer"
	SubjectTypeProject  SubjectType = "project"
)

// Grant is an append-only quota allocation. Rows are never updated in
// place; deleted=true supersedes.
type Grant struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	ProjectID            snowflake.ID `gorm:"not null;index"`
	SubjectType          SubjectType  `gorm:"type:text;not null"`
	SubjectID            snowflake.ID `gorm:"not null;index"`
	FeaturePlanVersionID snowflake.ID `gorm:"not null;index"`
	Type                 GrantType    `gorm:"type:text;not null"`
	Priority             int          `gorm:"not null"`
	EffectiveAt          time.Time    `gorm:"not null"`
	ExpiresAt            *time.Time   `gorm:""`
	Limit                *int64       `gorm:""`
	HardLimit            bool         `gorm:"not null;default:false"`
	Units                *float64     `gorm:""`
	Deleted              bool         `gorm:"not null;default:false"`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Grant) TableName() string { return "grants" }

// ActiveAt applies the activity predicate used by the snapshot merge.
func (g Grant) ActiveAt(now time.Time) bool {
	if g.Deleted {
		return false
	}
	if now.Before(g.EffectiveAt) {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

// ActiveGrant pairs a grant with the plan config it was issued against.
// The snapshot merge and the pricing waterfall both consume this shape.
type ActiveGrant struct {
	Grant             Grant
	FeatureSlug       string
	FeatureType       plandomain.FeatureType
	AggregationMethod plandomain.AggregationMethod
	ResetConfig       plandomain.ResetConfig
	Config            plandomain.FeatureConfig
}

// FilterActive drops deleted and out-of-window grants.
func FilterActive(grants []ActiveGrant, now time.Time) []ActiveGrant {
	out := make([]ActiveGrant, 0, len(grants))
	for _, g := range grants {
		if g.Grant.ActiveAt(now) {
			out = append(out, g)
		}
	}
	return out
}
