package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the service's business instruments. A nil *Metrics records nothing.
type Metrics struct {
	payments    metric.Int64Counter
	settlements metric.Int64Counter
	refunds     metric.Int64Counter
	chainCalls  metric.Float64Histogram
	balance     metric.Float64Gauge
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.payments, err = meter.Int64Counter("x402_payments_total",
		metric.WithDescription("Payments reaching a terminal state")); err != nil {
		return nil, err
	}
	if m.settlements, err = meter.Int64Counter("x402_settlements_total",
		metric.WithDescription("Settlement batches by outcome")); err != nil {
		return nil, err
	}
	if m.refunds, err = meter.Int64Counter("x402_refunds_total",
		metric.WithDescription("Refund state transitions")); err != nil {
		return nil, err
	}
	if m.chainCalls, err = meter.Float64Histogram("x402_chain_call_duration_seconds",
		metric.WithDescription("Latency of facilitator ledger operations"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.balance, err = meter.Float64Gauge("x402_facilitator_balance",
		metric.WithDescription("Gas-token balance of the facilitator in native units")); err != nil {
		return nil, err
	}
	return m, nil
}

// NewGlobalMetrics creates the instruments on the global meter provider.
func NewGlobalMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter(InstrumentationName))
}

// NewNopMetrics returns instruments that discard every measurement.
func NewNopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(InstrumentationName))
	return m
}

func (m *Metrics) PaymentRecorded(ctx context.Context, scheme, status string) {
	if m == nil {
		return
	}
	m.payments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scheme", scheme),
		attribute.String("status", status),
	))
}

func (m *Metrics) SettlementRecorded(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RefundRecorded(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.refunds.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// ChainCall records the latency of one ledger operation.
func (m *Metrics) ChainCall(ctx context.Context, family, operation string, started time.Time, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.chainCalls.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}

// FacilitatorBalance records the latest gas balance of a facilitator identity.
func (m *Metrics) FacilitatorBalance(ctx context.Context, family string, balance float64) {
	if m == nil {
		return
	}
	m.balance.Record(ctx, balance, metric.WithAttributes(attribute.String("family", family)))
}
