// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetricsCreatesInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")

	m, err := NewMetrics(meter)
	require.NoError(t, err)
	require.NotNil(t, m.MessagesProcessed)
	require.NotNil(t, m.HandlerDurationSeconds)
	require.NotNil(t, m.BreachesDetected)
	require.NotNil(t, m.RollbacksTriggered)
	require.NotNil(t, m.ConsensusDecisions)
	require.NotNil(t, m.PatternsPromoted)
}

func TestMetricsRecordAndCollect(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")

	m, err := NewMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	m.MessageProcessed(ctx, "proposal_intake", "acked")
	m.MessageProcessed(ctx, "proposal_intake", "acked")
	m.HandlerDuration(ctx, "proposal_intake", 0.02)
	m.BreachDetected(ctx, "critical")
	m.RollbackTriggered(ctx, "refactor")
	m.ConsensusDecision(ctx, "approved")
	m.PatternPromoted(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, inst := range sm.Metrics {
			names[inst.Name] = true
		}
	}
	require.True(t, names["coord_messages_processed_total"])
	require.True(t, names["coord_handler_duration_seconds"])
	require.True(t, names["coord_breaches_detected_total"])
	require.True(t, names["coord_rollbacks_triggered_total"])
	require.True(t, names["coord_consensus_decisions_total"])
	require.True(t, names["coord_patterns_promoted_total"])
}
