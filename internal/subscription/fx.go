package subscription

import (
	"github.com/smallbiznis/meterbill/internal/subscription/lock"
	"github.com/smallbiznis/meterbill/internal/subscription/machine"
	"github.com/smallbiznis/meterbill/internal/subscription/repository"
	"github.com/smallbiznis/meterbill/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(lock.NewLocker),
	fx.Provide(machine.NewFactory),
	fx.Provide(service.New),
)
