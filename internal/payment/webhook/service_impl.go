package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/careledger/internal/config"
	donationdomain "github.com/smallbiznis/careledger/internal/donation/domain"
	obscontext "github.com/smallbiznis/careledger/internal/observability/context"
	"github.com/smallbiznis/careledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"github.com/smallbiznis/careledger/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/careledger/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Cfg       config.Config
	Adapters  *adapters.Registry
	Donations donationdomain.Service
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	adapters  *adapters.Registry
	donations donationdomain.Service
	metrics   *obsmetrics.Metrics
	configs   map[string]map[string]any
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:       p.Log.Named("payment.webhook"),
		adapters:  p.Adapters,
		donations: p.Donations,
		metrics:   p.Metrics,
		configs:   adapterConfigs(p.Cfg.Payments),
	}
}

func adapterConfigs(cfg config.PaymentsConfig) map[string]map[string]any {
	configs := map[string]map[string]any{
		"paymaya": {},
	}
	if cfg.PayMayaWebhookToken != "" {
		configs["paymaya"]["webhook_token"] = cfg.PayMayaWebhookToken
	}
	if cfg.StripeWebhookSecret != "" {
		configs["stripe"] = map[string]any{"webhook_secret": cfg.StripeWebhookSecret}
	}
	return configs
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.IngestResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	result := paymentdomain.IngestResult{Provider: provider}
	if provider == "" {
		return result, paymentdomain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return result, paymentdomain.ErrProviderNotFound
	}
	cfg, ok := s.configs[provider]
	if !ok {
		return result, paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return result, paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.adapters.NewAdapter(provider, paymentdomain.AdapterConfig{Config: cfg})
	if err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidConfig) {
			s.log.Warn("payment webhook provider misconfigured", zap.String("provider", provider))
			return result, paymentdomain.ErrProviderNotFound
		}
		return result, err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return result, err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			result.EventType = paymentdomain.EventTypeIgnored
			result.Ignored = true
			s.metrics.RecordPaymentEvent(ctx, provider, paymentdomain.EventTypeIgnored)
			return result, nil
		}
		return result, err
	}
	result.EventType = event.Type
	s.metrics.RecordPaymentEvent(ctx, provider, event.Type)

	ctx = obscontext.WithEntity(ctx, "payment", event.ProviderPaymentID)
	log := logger.WithContext(ctx, s.log)
	if event.Type != paymentdomain.EventTypePaymentSucceeded {
		log.Info("payment webhook not recorded",
			zap.String("provider", provider),
			zap.String("event_type", event.Type),
			zap.String("payment_id", event.ProviderPaymentID),
		)
		result.Ignored = true
		return result, nil
	}

	donation, created, err := s.donations.Record(ctx, donationdomain.RecordRequest{
		DonorID:       event.DonorID,
		Amount:        event.Amount,
		Currency:      event.Currency,
		PaymentMethod: provider,
		ExternalTxID:  event.ProviderPaymentID,
		PatientID:     event.PatientID,
		IsAnonymous:   event.IsAnonymous,
	})
	if err != nil {
		return result, err
	}

	result.DonationID = donation.ID
	result.Created = created
	log.Info("payment webhook recorded donation",
		zap.String("provider", provider),
		zap.String("payment_id", event.ProviderPaymentID),
		zap.String("donation_id", donation.ID.String()),
		zap.Bool("created", created),
	)
	return result, nil
}
