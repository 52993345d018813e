package events

import (
	"context"

	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"github.com/smallbiznis/careledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(NewDispatcher),
	fx.Provide(provideWorker),
	fx.Invoke(startListener),
)

type WorkerParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Dispatcher *Dispatcher
	Config     config.Config
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

func provideWorker(p WorkerParams) *Worker {
	return NewWorker(p.DB, p.Log, p.Clock, p.Dispatcher, p.Metrics, WorkerConfig{
		BatchSize:   p.Config.Events.BatchSize,
		MaxAttempts: p.Config.Events.MaxAttempts,
	})
}

func startListener(lc fx.Lifecycle, cfg config.Config, worker *Worker, log *zap.Logger) {
	if !cfg.Events.ListenEnabled || !cfg.RunsScheduler() {
		return
	}

	listener := NewListener(db.PostgresDSN(cfg), log)
	wake := make(chan struct{}, 1)
	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go worker.Serve(ctx, wake)
			go func() {
				if err := listener.Run(ctx, wake); err != nil {
					log.Warn("events.listener.stopped", zap.Error(err))
				}
			}()
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
