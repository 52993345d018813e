package auction

import (
	"github.com/smallbiznis/careledger/internal/auction/domain"
	"github.com/smallbiznis/careledger/internal/auction/repository"
	"github.com/smallbiznis/careledger/internal/auction/service"
	"github.com/smallbiznis/careledger/internal/events"
	"go.uber.org/fx"
)

var Module = fx.Module("auction.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Invoke(registerHandlers),
)

func registerHandlers(dispatcher *events.Dispatcher, svc domain.Service) {
	dispatcher.Subscribe(events.AuctionCreated, "auction.link", service.HandleCreated(svc))
	dispatcher.Subscribe(events.AuctionUpdated, "auction.delivery", service.HandleUpdated(svc))
}
