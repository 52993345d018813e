package cli

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/achievement"
	"github.com/smallbiznis/careledger/internal/analytics"
	"github.com/smallbiznis/careledger/internal/auction"
	"github.com/smallbiznis/careledger/internal/chain"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/smallbiznis/careledger/internal/donation"
	"github.com/smallbiznis/careledger/internal/donor"
	"github.com/smallbiznis/careledger/internal/events"
	"github.com/smallbiznis/careledger/internal/linkage"
	"github.com/smallbiznis/careledger/internal/migration"
	"github.com/smallbiznis/careledger/internal/observability"
	"github.com/smallbiznis/careledger/internal/patient"
	"github.com/smallbiznis/careledger/internal/payment"
	"github.com/smallbiznis/careledger/internal/ratelimit"
	"github.com/smallbiznis/careledger/internal/receipt"
	"github.com/smallbiznis/careledger/internal/reconcile"
	"github.com/smallbiznis/careledger/internal/scheduler"
	"github.com/smallbiznis/careledger/pkg/db"
	"go.uber.org/fx"
)

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
	)
}

// domains is everything the scheduler tasks and HTTP handlers depend on.
func domains() fx.Option {
	return fx.Options(
		events.Module,
		chain.Module,
		linkage.Module,
		ratelimit.Module,
		donor.Module,
		patient.Module,
		achievement.Module,
		donation.Module,
		auction.Module,
		analytics.Module,
		reconcile.Module,
		scheduler.Module,
		payment.Module,
		receipt.Module,
	)
}

// withMode overrides APP_MODE for the process being built.
func withMode(mode string) fx.Option {
	return fx.Decorate(func(cfg config.Config) config.Config {
		cfg.Mode = mode
		return cfg
	})
}

// oneShot starts app, runs fn and stops app. Api mode keeps the tick loop
// and the outbox listener from starting.
func oneShot(ctx context.Context, app *fx.App, fn func(context.Context) error) (err error) {
	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return WrapExitError(ExitCommandError, "startup failed", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.StopTimeout())
		defer cancel()
		if stopErr := app.Stop(stopCtx); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	return fn(ctx)
}

// serveUntilSignal runs a long-lived app until SIGINT or SIGTERM.
func serveUntilSignal(ctx context.Context, app *fx.App) error {
	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return WrapExitError(ExitCommandError, "startup failed", err)
	}

	select {
	case <-app.Done():
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), app.StopTimeout())
	defer stopCancel()
	return app.Stop(stopCtx)
}
