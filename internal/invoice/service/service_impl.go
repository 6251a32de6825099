// Package service implements invoice assembly and finalization.
package service

import (
	"github.com/bwmarrin/snowflake"
	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
	bpdomain "github.com/smallbiznis/meterbill/internal/billingperiod/domain"
	"github.com/smallbiznis/meterbill/internal/config"
	creditdomain "github.com/smallbiznis/meterbill/internal/credit/domain"
	entdomain "github.com/smallbiznis/meterbill/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/meterbill/internal/grant/domain"
	"github.com/smallbiznis/meterbill/internal/invoice/domain"
	paydomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	subdomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Repo         domain.Repository
	Periods      bpdomain.Repository
	Credits      creditdomain.Repository
	Grants       grantdomain.Repository
	Entitlements entdomain.Repository
	Analytics    analyticsdomain.Store
	Subs         subdomain.Repository
	Registry     paydomain.Registry
	Billing      *config.BillingConfigHolder
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	repo         domain.Repository
	periods      bpdomain.Repository
	credits      creditdomain.Repository
	grants       grantdomain.Repository
	entitlements entdomain.Repository
	analytics    analyticsdomain.Store
	subs         subdomain.Repository
	registry     paydomain.Registry
	billing      *config.BillingConfigHolder
}

func New(p Params) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("invoice.service"),
		genID:        p.GenID,
		repo:         p.Repo,
		periods:      p.Periods,
		credits:      p.Credits,
		grants:       p.Grants,
		entitlements: p.Entitlements,
		analytics:    p.Analytics,
		subs:         p.Subs,
		registry:     p.Registry,
		billing:      p.Billing,
	}
}
