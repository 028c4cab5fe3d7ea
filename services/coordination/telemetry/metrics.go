// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry wires OpenTelemetry metrics for the coordination
// plane, exported through the Prometheus exporter and served by promhttp
// on the HTTP surface. All metrics carry the "coord_" prefix.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds the coordination plane's instruments.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Metrics struct {
	// MessagesProcessed counts consumed queue messages by queue and
	// outcome (acked, requeued, dead_lettered).
	MessagesProcessed metric.Int64Counter

	// HandlerDurationSeconds records queue handler latency.
	HandlerDurationSeconds metric.Float64Histogram

	// BreachesDetected counts threshold breaches by severity.
	BreachesDetected metric.Int64Counter

	// RollbacksTriggered counts rollback publications by change type.
	RollbacksTriggered metric.Int64Counter

	// ConsensusDecisions counts decided proposals by outcome
	// (auto_approved, approved, rejected).
	ConsensusDecisions metric.Int64Counter

	// PatternsPromoted counts patterns promoted to the genesis export.
	PatternsPromoted metric.Int64Counter
}

// Setup installs a Prometheus-backed meter provider and builds the
// instrument set.
//
// # Outputs
//
//   - *Metrics: Ready instruments.
//   - http.Handler: The /metrics scrape handler.
//   - error: Non-nil if the exporter or an instrument cannot be created.
func Setup() (*Metrics, http.Handler, error) {
	exporter, err := promexporter.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("centralcloud-coordination"),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter("centralcloud/coordination")

	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, nil, err
	}
	// The exporter registers with the default Prometheus registry, so the
	// stock promhttp handler serves these instruments.
	return metrics, promhttp.Handler(), nil
}

// NewMetrics creates the instrument set on an existing meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesProcessed, err = meter.Int64Counter(
		"coord_messages_processed_total",
		metric.WithDescription("Queue messages processed by outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages_processed_total: %w", err)
	}

	m.HandlerDurationSeconds, err = meter.Float64Histogram(
		"coord_handler_duration_seconds",
		metric.WithDescription("Queue handler latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create handler_duration_seconds: %w", err)
	}

	m.BreachesDetected, err = meter.Int64Counter(
		"coord_breaches_detected_total",
		metric.WithDescription("Metric threshold breaches by severity"),
		metric.WithUnit("{breach}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create breaches_detected_total: %w", err)
	}

	m.RollbacksTriggered, err = meter.Int64Counter(
		"coord_rollbacks_triggered_total",
		metric.WithDescription("Rollback commands published"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rollbacks_triggered_total: %w", err)
	}

	m.ConsensusDecisions, err = meter.Int64Counter(
		"coord_consensus_decisions_total",
		metric.WithDescription("Consensus decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create consensus_decisions_total: %w", err)
	}

	m.PatternsPromoted, err = meter.Int64Counter(
		"coord_patterns_promoted_total",
		metric.WithDescription("Patterns promoted to genesis"),
		metric.WithUnit("{pattern}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create patterns_promoted_total: %w", err)
	}

	return m, nil
}

// MessageProcessed implements the consumer metrics hook.
func (m *Metrics) MessageProcessed(ctx context.Context, queue, outcome string) {
	m.MessagesProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

// HandlerDuration implements the consumer metrics hook.
func (m *Metrics) HandlerDuration(ctx context.Context, queue string, seconds float64) {
	m.HandlerDurationSeconds.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// BreachDetected counts one threshold breach.
func (m *Metrics) BreachDetected(ctx context.Context, severity string) {
	m.BreachesDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("severity", severity),
	))
}

// RollbackTriggered counts one published rollback.
func (m *Metrics) RollbackTriggered(ctx context.Context, changeType string) {
	m.RollbacksTriggered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("change_type", changeType),
	))
}

// ConsensusDecision counts one decided proposal.
func (m *Metrics) ConsensusDecision(ctx context.Context, outcome string) {
	m.ConsensusDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// PatternPromoted counts one genesis promotion.
func (m *Metrics) PatternPromoted(ctx context.Context) {
	m.PatternsPromoted.Add(ctx, 1)
}
