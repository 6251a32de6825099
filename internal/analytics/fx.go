package analytics

import (
	"github.com/smallbiznis/meterbill/internal/analytics/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("analytics.store",
	fx.Provide(repository.Provide),
)
