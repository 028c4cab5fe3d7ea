// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guardian

import (
	"time"
)

// Change status values. A change moves from active to exactly one of the
// terminal states and never back.
const (
	StatusActive     = "active"
	StatusRolledBack = "rolled_back"
	StatusSuperseded = "superseded"
	StatusExpired    = "expired"
)

// Breach severities in the order the rules assign them.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
)

// Change is the authoritative record of a registered fleet change. It is
// never deleted; status is the only mutable field.
type Change struct {
	ID           string
	InstanceID   string
	ChangeType   string
	BeforeCode   string
	AfterCode    string
	AgentID      string
	Status       string
	RegisteredAt time.Time

	// DiffStats is populated when the registration carried a unified
	// diff; nil otherwise.
	DiffStats *DiffStats
}

// SafetyProfile is attached 1:1 to a change at registration and is
// immutable afterwards.
type SafetyProfile struct {
	RiskLevel                 string
	BlastRadius               string
	Reversibility             string
	TestCoverage              float64
	SimilarChangesSuccessRate float64
}

// MetricsSnapshot is one live metrics report for an applied change.
// Snapshots are append-only.
type MetricsSnapshot struct {
	ChangeID         string
	InstanceID       string
	SuccessRate      float64
	ErrorRate        float64
	LatencyP95MS     float64
	CostCents        float64
	ThroughputPerMin float64
	ReportedAt       time.Time
}

// DiffStats summarizes a registration's unified diff for the audit record.
type DiffStats struct {
	FilesAffected int
	LinesAdded    int
	LinesRemoved  int
	Files         []string
}

// Breach describes one threshold violation. Operator-initiated rollbacks
// reuse the type with Metric "manual" and a Description.
type Breach struct {
	// Metric names the violated threshold (success_rate, error_rate,
	// latency_p95_ms, cost_cents) or "manual".
	Metric      string
	Severity    string
	Value       float64
	Threshold   float64
	Description string
}

// Reason renders the breach for logs and rollback triggers.
func (b Breach) Reason() string {
	if b.Description != "" {
		return b.Description
	}
	return b.Metric + " threshold breached"
}

// Thresholds holds the guardian's breach rules and the auto-approval
// similarity cutoff.
type Thresholds struct {
	MinSuccessRate        float64 `yaml:"min_success_rate"`
	MaxErrorRate          float64 `yaml:"max_error_rate"`
	MaxLatencyP95MS       float64 `yaml:"max_latency_p95_ms"`
	MaxCostCents          float64 `yaml:"max_cost_cents"`
	AutoApproveSimilarity float64 `yaml:"auto_approve_similarity"`
}

// DefaultThresholds returns the fleet-wide production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSuccessRate:        0.90,
		MaxErrorRate:          0.10,
		MaxLatencyP95MS:       3000,
		MaxCostCents:          10.0,
		AutoApproveSimilarity: 0.90,
	}
}

// Evaluate runs the breach rules in fixed priority order; the first
// matching rule wins even when later rules would also fire.
func (t Thresholds) Evaluate(m MetricsSnapshot) (Breach, bool) {
	switch {
	case m.SuccessRate < t.MinSuccessRate:
		return Breach{Metric: "success_rate", Severity: SeverityCritical, Value: m.SuccessRate, Threshold: t.MinSuccessRate}, true
	case m.ErrorRate > t.MaxErrorRate:
		return Breach{Metric: "error_rate", Severity: SeverityCritical, Value: m.ErrorRate, Threshold: t.MaxErrorRate}, true
	case m.LatencyP95MS > t.MaxLatencyP95MS:
		return Breach{Metric: "latency_p95_ms", Severity: SeverityHigh, Value: m.LatencyP95MS, Threshold: t.MaxLatencyP95MS}, true
	case m.CostCents > t.MaxCostCents:
		return Breach{Metric: "cost_cents", Severity: SeverityMedium, Value: m.CostCents, Threshold: t.MaxCostCents}, true
	default:
		return Breach{}, false
	}
}

// Approval is the outcome of an auto-approval check.
type Approval struct {
	AutoApproved bool
	Similarity   float64
}

// MetricsReport is the outcome of a metrics ingestion.
type MetricsReport struct {
	Breached bool
	Breach   Breach
}

// RollbackRecord is the audit entry for one executed rollback.
type RollbackRecord struct {
	RollbackID  string
	ChangeID    string
	InstanceID  string
	Reason      string
	Severity    string
	Strategy    RollbackStrategy
	TriggeredAt time.Time
}
