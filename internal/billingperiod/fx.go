package billingperiod

import (
	"github.com/smallbiznis/meterbill/internal/billingperiod/repository"
	"github.com/smallbiznis/meterbill/internal/billingperiod/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingperiod.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
