package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
)

// VerifyRequest checks whether a customer may use a feature right now.
// FromCache serves the last known state without touching the database,
// trading accuracy for latency.
type VerifyRequest struct {
	ProjectID   snowflake.ID
	CustomerID  snowflake.ID
	FeatureSlug string
	Now         time.Time
	FromCache   bool
}

// ReportUsageRequest records consumption against an entitlement.
type ReportUsageRequest struct {
	ProjectID      snowflake.ID
	CustomerID     snowflake.ID
	FeatureSlug    string
	Usage          float64
	IdempotenceKey string
	Now            time.Time
}

// Service is the entitlement evaluator's public contract.
type Service interface {
	Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error)
	ReportUsage(ctx context.Context, req ReportUsageRequest) (ReportResult, error)
	Entitlements(ctx context.Context, projectID, customerID snowflake.ID) ([]Entitlement, error)
	GetUsage(ctx context.Context, filter analyticsdomain.UsageFilter) ([]analyticsdomain.UsageRow, error)
}
