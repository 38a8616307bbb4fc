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

// Metrics exposes application-level instruments.
type Metrics struct {
	ticketsAllocated metric.Int64Counter
	allocationErrors metric.Int64Counter
	counterResets    metric.Int64Counter
	driftHealed      metric.Int64Counter
	flagsCleared     metric.Int64Counter
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

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
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
		name = "rastro"
	}
	meter := provider.Meter(name)

	ticketsAllocated, err := meter.Int64Counter("rastro_tickets_allocated_total")
	if err != nil {
		return nil, err
	}
	allocationErrors, err := meter.Int64Counter("rastro_ticket_allocation_errors_total")
	if err != nil {
		return nil, err
	}
	counterResets, err := meter.Int64Counter("rastro_ticket_counter_resets_total")
	if err != nil {
		return nil, err
	}
	driftHealed, err := meter.Int64Counter("rastro_ticket_counter_drift_healed_total")
	if err != nil {
		return nil, err
	}
	flagsCleared, err := meter.Int64Counter("rastro_ticket_counter_flags_cleared_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ticketsAllocated: ticketsAllocated,
		allocationErrors: allocationErrors,
		counterResets:    counterResets,
		driftHealed:      driftHealed,
		flagsCleared:     flagsCleared,
	}, nil
}

// RecordTicketAllocated increments allocation counts by mode.
func (m *Metrics) RecordTicketAllocated(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("mode", strings.TrimSpace(mode)))
	m.ticketsAllocated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAllocationError increments failed allocations by reason.
func (m *Metrics) RecordAllocationError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.allocationErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordCounterReset(ctx context.Context, actorType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("actor_type", strings.TrimSpace(actorType)))
	m.counterResets.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordDriftHealed(ctx context.Context, policy string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("policy", strings.TrimSpace(policy)))
	m.driftHealed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordFlagsCleared(ctx context.Context, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.flagsCleared.Add(ctx, count)
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
	"mode":        {},
	"reason":      {},
	"policy":      {},
	"actor_type":  {},
	"endpoint":    {},
	"status_code": {},
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
