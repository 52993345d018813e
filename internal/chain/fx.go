package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/smallbiznis/careledger/internal/config"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("chain",
	fx.Provide(provideConfig),
	fx.Provide(New),
)

func provideConfig(cfg config.Config) Config {
	return NewConfig(cfg.Chain)
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle `optional:"true"`
	Config    Config
	Log       *zap.Logger
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

// New builds the ledger adapter. Incomplete configuration or an unreachable
// endpoint yields a disabled adapter instead of a startup failure.
func New(p Params) Ledger {
	log := p.Log.Named("chain")
	if !p.Config.Enabled() {
		log.Warn("ledger adapter disabled", zap.String("reason", p.Config.DisabledReason()))
		return Instrument(NewDisabled(p.Config.DisabledReason()), p.Config.CallTimeout, p.Log, p.Metrics)
	}

	client, err := ethclient.Dial(p.Config.RPCURL)
	if err != nil {
		log.Warn("ledger adapter disabled", zap.String("reason", "dial failed"), zap.Error(err))
		return Instrument(NewDisabled("dial failed"), p.Config.CallTimeout, p.Log, p.Metrics)
	}
	eth, err := newEthLedger(p.Config, client)
	if err != nil {
		client.Close()
		log.Error("ledger adapter disabled", zap.Error(err))
		return Instrument(NewDisabled(err.Error()), p.Config.CallTimeout, p.Log, p.Metrics)
	}

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error {
				client.Close()
				return nil
			},
		})
	}
	log.Info("ledger adapter enabled",
		zap.String("service_address", eth.ServiceAddress()),
		zap.Duration("call_timeout", p.Config.CallTimeout),
	)
	return Instrument(eth, p.Config.CallTimeout, p.Log, p.Metrics)
}
