package patient

import (
	"context"

	"github.com/smallbiznis/careledger/internal/events"
	"github.com/smallbiznis/careledger/internal/patient/domain"
	"github.com/smallbiznis/careledger/internal/patient/repository"
	"github.com/smallbiznis/careledger/internal/patient/service"
	"go.uber.org/fx"
)

var Module = fx.Module("patient.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Invoke(registerHandlers),
)

// registerHandlers keeps public_patients in step with every profile write.
func registerHandlers(dispatcher *events.Dispatcher, svc domain.Service) {
	project := func(ctx context.Context, evt events.Event) error {
		return svc.Project(ctx, evt.EntityID)
	}
	dispatcher.Subscribe(events.PatientCreated, "patient.project", project)
	dispatcher.Subscribe(events.PatientUpdated, "patient.project", project)
}
