package payment

import (
	"github.com/smallbiznis/meterbill/internal/payment/provider"
	"github.com/smallbiznis/meterbill/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(provider.NewRegistry),
	fx.Provide(service.New),
)
