package credit

import (
	"github.com/smallbiznis/meterbill/internal/credit/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.repository",
	fx.Provide(repository.Provide),
)
