package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes domain-level instruments for ledger synchronization.
type Metrics struct {
	donationSync      metric.Int64Counter
	auctionLinks      metric.Int64Counter
	auctionFinalize   metric.Int64Counter
	deliveriesCreated metric.Int64Counter
	linkageLost       metric.Int64Counter
	ledgerCalls       metric.Int64Counter
	paymentEvents     metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
	eventsDispatched  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "careledger"
	}
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
	}{
		{&m.donationSync, "careledger_donation_sync_total"},
		{&m.auctionLinks, "careledger_auction_link_total"},
		{&m.auctionFinalize, "careledger_auction_finalize_total"},
		{&m.deliveriesCreated, "careledger_auction_deliveries_created_total"},
		{&m.linkageLost, "careledger_linkage_lost_total"},
		{&m.ledgerCalls, "careledger_ledger_calls_total"},
		{&m.paymentEvents, "careledger_payment_events_total"},
		{&m.rateLimitAllowed, "careledger_rate_limit_allowed_total"},
		{&m.rateLimitDenied, "careledger_rate_limit_denied_total"},
		{&m.eventsDispatched, "careledger_events_dispatched_total"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}
	return m, nil
}

// RecordDonationSync counts donation sync attempts by outcome.
func (m *Metrics) RecordDonationSync(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.donationSync.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)...))
}

// RecordAuctionLink counts auction linkage attempts by outcome.
func (m *Metrics) RecordAuctionLink(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.auctionLinks.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)...))
}

// RecordAuctionFinalize counts finalization attempts by outcome.
func (m *Metrics) RecordAuctionFinalize(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.auctionFinalize.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)...))
}

func (m *Metrics) RecordDeliveryCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.deliveriesCreated.Add(ctx, 1)
}

// RecordLinkageLost counts writes that lost a conditional linkage race.
func (m *Metrics) RecordLinkageLost(ctx context.Context, entityType string) {
	if m == nil {
		return
	}
	m.linkageLost.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("entity_type", strings.TrimSpace(entityType)),
	)...))
}

// RecordLedgerCall counts calls to the external ledger.
func (m *Metrics) RecordLedgerCall(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.ledgerCalls.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)...))
}

// RecordPaymentEvent increments payment webhook counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)...))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)...))
}

// RecordEventDispatched counts outbox events handed to subscribers.
func (m *Metrics) RecordEventDispatched(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsDispatched.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"outcome":     {},
	"operation":   {},
	"entity_type": {},
	"endpoint":    {},
	"status_code": {},
	"provider":    {},
	"event_type":  {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
