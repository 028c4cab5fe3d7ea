// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guardian

import (
	"context"
	"fmt"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// TimeSeriesRecorder receives every accepted metrics snapshot for
// long-term analytics. Implementations must tolerate duplicate snapshots.
type TimeSeriesRecorder interface {
	RecordSnapshot(ctx context.Context, snap MetricsSnapshot) error
}

// InfluxRecorder writes snapshots to an InfluxDB bucket. Writes happen on
// the background worker pool, never on the metrics-ingestion path.
type InfluxRecorder struct {
	writeAPI api.WriteAPIBlocking
	logger   *slog.Logger
}

// NewInfluxRecorder wraps an InfluxDB client for the given org and bucket.
func NewInfluxRecorder(client influxdb2.Client, org, bucket string, logger *slog.Logger) *InfluxRecorder {
	return &InfluxRecorder{
		writeAPI: client.WriteAPIBlocking(org, bucket),
		logger:   logger,
	}
}

// RecordSnapshot writes one point to the change_metrics measurement.
func (r *InfluxRecorder) RecordSnapshot(ctx context.Context, snap MetricsSnapshot) error {
	p := influxdb2.NewPoint(
		"change_metrics",
		map[string]string{
			"change_id":   snap.ChangeID,
			"instance_id": snap.InstanceID,
		},
		map[string]interface{}{
			"success_rate":       snap.SuccessRate,
			"error_rate":         snap.ErrorRate,
			"latency_p95_ms":     snap.LatencyP95MS,
			"cost_cents":         snap.CostCents,
			"throughput_per_min": snap.ThroughputPerMin,
		},
		snap.ReportedAt,
	)
	if err := r.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write snapshot point: %w", err)
	}
	return nil
}
