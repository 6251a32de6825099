package entitlement

import (
	"github.com/smallbiznis/meterbill/internal/entitlement/meter"
	"github.com/smallbiznis/meterbill/internal/entitlement/repository"
	"github.com/smallbiznis/meterbill/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(meter.New),
	fx.Provide(service.New),
)
