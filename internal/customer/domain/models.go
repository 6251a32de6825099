// Package domain contains persistence models for projects and customers.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Project scopes every billing row. Billing halts for inactive projects.
type Project struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Name      string            `gorm:"type:text;not null"`
	Active    bool              `gorm:"not null;default:true"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Project) TableName() string { return "projects" }

// Customer is the billed party. Email is unique per project.
type Customer struct {
	ID               snowflake.ID      `gorm:"primaryKey"`
	ProjectID        snowflake.ID      `gorm:"not null;uniqueIndex:customers_email_unique,priority:1"`
	Email            string            `gorm:"type:text;not null;uniqueIndex:customers_email_unique,priority:2"`
	Name             string            `gorm:"type:text"`
	DefaultCurrency  string            `gorm:"type:text;not null"`
	Timezone         string            `gorm:"type:text;not null;default:UTC"`
	Active           bool              `gorm:"not null;default:true"`
	StripeCustomerID *string           `gorm:"type:text"`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Customer) TableName() string { return "customers" }
