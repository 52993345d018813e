package donation

import (
	"github.com/smallbiznis/careledger/internal/donation/domain"
	"github.com/smallbiznis/careledger/internal/donation/repository"
	"github.com/smallbiznis/careledger/internal/donation/service"
	"github.com/smallbiznis/careledger/internal/events"
	"go.uber.org/fx"
)

var Module = fx.Module("donation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Invoke(registerHandlers),
)

func registerHandlers(dispatcher *events.Dispatcher, svc domain.Service) {
	dispatcher.Subscribe(events.DonationCreated, "donation.sync", service.HandleCreated(svc))
}
