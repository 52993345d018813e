package scheduler

import (
	"context"

	"github.com/smallbiznis/careledger/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideTasks),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

// NewScheduler starts the tick loop in processes that own background work.
// API-only replicas still get a *Scheduler for on-demand task runs.
func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.RunsScheduler() {
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
