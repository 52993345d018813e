package donor

import (
	"github.com/smallbiznis/careledger/internal/donor/repository"
	"github.com/smallbiznis/careledger/internal/donor/service"
	"go.uber.org/fx"
)

var Module = fx.Module("donor.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
