package payment

import (
	"github.com/smallbiznis/careledger/internal/payment/adapters"
	"github.com/smallbiznis/careledger/internal/payment/adapters/paymaya"
	"github.com/smallbiznis/careledger/internal/payment/adapters/stripe"
	"github.com/smallbiznis/careledger/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.webhook",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			paymaya.NewFactory(),
			stripe.NewFactory(),
		)
	}),
	fx.Provide(webhook.NewService),
)
