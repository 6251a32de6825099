package grant

import (
	"github.com/smallbiznis/meterbill/internal/grant/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("grant.repository",
	fx.Provide(repository.Provide),
)
