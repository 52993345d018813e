package achievement

import (
	"github.com/smallbiznis/careledger/internal/achievement/domain"
	"github.com/smallbiznis/careledger/internal/achievement/repository"
	"github.com/smallbiznis/careledger/internal/achievement/service"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/smallbiznis/careledger/internal/events"
	"go.uber.org/fx"
)

var Module = fx.Module("achievement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Invoke(registerHandlers),
)

func registerHandlers(dispatcher *events.Dispatcher, svc domain.Service, policy *config.SyncPolicyHolder) {
	dispatcher.Subscribe(events.DonationConfirmed, "achievement.first_donation", service.HandleDonationConfirmed(svc))
	dispatcher.Subscribe(events.DonorTierChanged, "achievement.tier_upgrade", service.HandleTierChanged(svc, policy))
}
