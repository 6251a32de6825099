package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/meterbill/internal/analytics"
	"github.com/smallbiznis/meterbill/internal/billingperiod"
	"github.com/smallbiznis/meterbill/internal/cache"
	"github.com/smallbiznis/meterbill/internal/clock"
	"github.com/smallbiznis/meterbill/internal/config"
	"github.com/smallbiznis/meterbill/internal/credit"
	"github.com/smallbiznis/meterbill/internal/customer"
	"github.com/smallbiznis/meterbill/internal/entitlement"
	"github.com/smallbiznis/meterbill/internal/grant"
	"github.com/smallbiznis/meterbill/internal/invoice"
	"github.com/smallbiznis/meterbill/internal/migration"
	"github.com/smallbiznis/meterbill/internal/observability"
	"github.com/smallbiznis/meterbill/internal/payment"
	"github.com/smallbiznis/meterbill/internal/plan"
	"github.com/smallbiznis/meterbill/internal/scheduler"
	"github.com/smallbiznis/meterbill/internal/server"
	"github.com/smallbiznis/meterbill/internal/subscription"
	"github.com/smallbiznis/meterbill/internal/telemetry"
	"github.com/smallbiznis/meterbill/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		cache.Module,
		clock.Module,
		migration.Module,
		server.Module,

		// Functional domains
		customer.Module,
		plan.Module,
		grant.Module,
		analytics.Module,
		entitlement.Module,
		billingperiod.Module,
		credit.Module,
		invoice.Module,
		payment.Module,
		subscription.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
