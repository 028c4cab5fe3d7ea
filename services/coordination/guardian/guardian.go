// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package guardian owns the authoritative safety state for fleet changes:
// registration with safety profiles, live metrics ingestion with
// threshold-breach detection, similarity-based auto-approval, and
// auto-rollback with learned strategies.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/SingularityHQ/centralcloud/pkg/fallback"
	"github.com/SingularityHQ/centralcloud/services/coordination/queue"
	"github.com/SingularityHQ/centralcloud/services/coordination/semantic"
	"github.com/SingularityHQ/centralcloud/services/coordination/workers"
)

var (
	// ErrChangeNotRegistered is returned when an operation references an
	// unknown change id.
	ErrChangeNotRegistered = errors.New("change not registered")

	// ErrDuplicateChange is returned when a change id is registered twice.
	ErrDuplicateChange = errors.New("change already registered")

	// ErrInvalidChangeset is returned when a registration's changeset is
	// missing required fields or carries an unparseable diff.
	ErrInvalidChangeset = errors.New("invalid changeset")

	// ErrInvalidSafetyProfile is returned when a registration's safety
	// profile fails validation.
	ErrInvalidSafetyProfile = errors.New("invalid safety profile")

	// ErrInvalidTransition is returned for a status change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RollbackPublisher publishes rollback commands to instance-facing queues.
type RollbackPublisher interface {
	PublishRollbackTrigger(ctx context.Context, trigger queue.RollbackTrigger) error
}

// ProfilePublisher distributes revised safety profiles to the fleet.
type ProfilePublisher interface {
	PublishSafetyProfileUpdate(ctx context.Context, update queue.SafetyProfileUpdate) error
}

// TaskSubmitter dispatches fire-and-forget background work.
type TaskSubmitter interface {
	Submit(name string, task workers.Task) error
}

// Telemetry receives guardian decision counters.
type Telemetry interface {
	BreachDetected(ctx context.Context, severity string)
	RollbackTriggered(ctx context.Context, changeType string)
}

type nopTelemetry struct{}

func (nopTelemetry) BreachDetected(context.Context, string)    {}
func (nopTelemetry) RollbackTriggered(context.Context, string) {}

// Config assembles a Guardian's collaborators.
type Config struct {
	Thresholds Thresholds
	Logger     *slog.Logger
	Scorer     semantic.SimilarityScorer
	Publisher  RollbackPublisher
	Pool       TaskSubmitter

	// Recorder is optional; nil disables the time-series sink.
	Recorder TimeSeriesRecorder

	// Profiles is optional; when set, a rollback broadcasts the
	// downgraded safety profile fleet-wide.
	Profiles ProfilePublisher

	// Telemetry is optional; nil disables counters.
	Telemetry Telemetry

	// Store is optional; a fresh StrategyStore is created when nil.
	Store *StrategyStore
}

// Guardian is the change registry and rollback engine.
//
// # Thread Safety
//
// All state is guarded by a single mutex; every mutation is serialized
// through it, so concurrent consumers delivering messages for the same
// change cannot double-trigger a rollback.
type Guardian struct {
	mu        sync.Mutex
	changes   map[string]*Change
	profiles  map[string]SafetyProfile
	snapshots map[string][]MetricsSnapshot
	rollbacks map[string]RollbackRecord

	thresholds Thresholds
	logger     *slog.Logger
	scorer     semantic.SimilarityScorer
	publisher  RollbackPublisher
	profilePub ProfilePublisher
	pool       TaskSubmitter
	recorder   TimeSeriesRecorder
	telemetry  Telemetry
	store      *StrategyStore
	strategies *fallback.Chain[string, RollbackStrategy]

	now func() time.Time
}

// New builds a Guardian from the config.
//
// # Outputs
//
//   - *Guardian: Ready engine.
//   - error: Non-nil if a required collaborator is missing.
func New(cfg Config) (*Guardian, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Scorer == nil {
		return nil, errors.New("similarity scorer is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("rollback publisher is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("task submitter is required")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = nopTelemetry{}
	}
	if cfg.Store == nil {
		cfg.Store = NewStrategyStore()
	}
	chain, err := NewStrategyChain(cfg.Store, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("build strategy chain: %w", err)
	}
	return &Guardian{
		changes:    make(map[string]*Change),
		profiles:   make(map[string]SafetyProfile),
		snapshots:  make(map[string][]MetricsSnapshot),
		rollbacks:  make(map[string]RollbackRecord),
		thresholds: cfg.Thresholds,
		logger:     cfg.Logger.With("component", "guardian"),
		scorer:     cfg.Scorer,
		publisher:  cfg.Publisher,
		profilePub: cfg.Profiles,
		pool:       cfg.Pool,
		recorder:   cfg.Recorder,
		telemetry:  cfg.Telemetry,
		store:      cfg.Store,
		strategies: chain,
		now:        time.Now,
	}, nil
}

// RegisterChange validates and records a new change with its safety
// profile.
//
// # Description
//
//	Validates the changeset and safety profile documents, parses the
//	optional unified diff into blast statistics for the audit record, and
//	creates the Change in status active. Registration is rejected, not
//	merged, when the change id already exists.
//
// # Inputs
//
//	ctx - Unused today; kept for interface symmetry with the other
//	      engine entry points.
//	instanceID - Originating fleet instance.
//	changeID - Caller-assigned id, unique fleet-wide.
//	changeset - The code change document.
//	profile - The safety profile document.
//
// # Outputs
//
//	string - The registered change id.
//	error - ErrInvalidChangeset, ErrInvalidSafetyProfile, or
//	        ErrDuplicateChange.
func (g *Guardian) RegisterChange(ctx context.Context, instanceID, changeID string, changeset queue.CodeChangeDoc, profile queue.SafetyProfileDoc) (string, error) {
	if instanceID == "" || changeID == "" {
		return "", fmt.Errorf("%w: instance id and change id are required", ErrInvalidChangeset)
	}
	if err := queue.ValidateStruct(&changeset); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidChangeset, err)
	}
	if err := queue.ValidateStruct(&profile); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSafetyProfile, err)
	}

	var stats *DiffStats
	if changeset.Diff != "" {
		parsed, err := parseDiffStats(changeset.Diff)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidChangeset, err)
		}
		stats = parsed
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.changes[changeID]; exists {
		return "", ErrDuplicateChange
	}
	g.changes[changeID] = &Change{
		ID:           changeID,
		InstanceID:   instanceID,
		ChangeType:   changeset.ChangeType,
		BeforeCode:   changeset.BeforeCode,
		AfterCode:    changeset.AfterCode,
		AgentID:      changeset.AgentID,
		Status:       StatusActive,
		RegisteredAt: g.now(),
		DiffStats:    stats,
	}
	g.profiles[changeID] = SafetyProfile{
		RiskLevel:                 profile.RiskLevel,
		BlastRadius:               profile.BlastRadius,
		Reversibility:             profile.Reversibility,
		TestCoverage:              profile.TestCoverage,
		SimilarChangesSuccessRate: profile.SimilarChangesSuccessRate,
	}

	g.logger.Info("change registered",
		"change_id", changeID,
		"instance_id", instanceID,
		"change_type", changeset.ChangeType,
		"risk_level", profile.RiskLevel)
	return changeID, nil
}

// ReportMetrics appends a metrics snapshot and evaluates the breach rules.
//
// # Description
//
//	The snapshot is appended to the change's time series, forwarded to
//	the time-series recorder on the background pool, and checked against
//	the thresholds in fixed priority order. A breach dispatches the
//	rollback as background work; the ingestion path never blocks on it.
//
// # Outputs
//
//	MetricsReport - Breached=false when all rules pass.
//	error - ErrChangeNotRegistered for unknown change ids.
func (g *Guardian) ReportMetrics(ctx context.Context, snap MetricsSnapshot) (MetricsReport, error) {
	if snap.ReportedAt.IsZero() {
		snap.ReportedAt = g.now()
	}

	g.mu.Lock()
	if _, ok := g.changes[snap.ChangeID]; !ok {
		g.mu.Unlock()
		return MetricsReport{}, ErrChangeNotRegistered
	}
	g.snapshots[snap.ChangeID] = append(g.snapshots[snap.ChangeID], snap)
	g.mu.Unlock()

	if g.recorder != nil {
		recorded := snap
		if err := g.pool.Submit("record_snapshot", func(ctx context.Context) error {
			return g.recorder.RecordSnapshot(ctx, recorded)
		}); err != nil {
			g.logger.Warn("time-series recording skipped", "change_id", snap.ChangeID, "error", err.Error())
		}
	}

	breach, breached := g.thresholds.Evaluate(snap)
	if !breached {
		return MetricsReport{}, nil
	}

	g.telemetry.BreachDetected(ctx, breach.Severity)
	g.logger.Warn("threshold breach detected",
		"change_id", snap.ChangeID,
		"metric", breach.Metric,
		"severity", breach.Severity,
		"value", breach.Value,
		"threshold", breach.Threshold)

	instanceID := snap.InstanceID
	changeID := snap.ChangeID
	if err := g.pool.Submit("auto_rollback", func(ctx context.Context) error {
		_, err := g.AutoRollbackOnBreach(ctx, instanceID, changeID, breach)
		return err
	}); err != nil {
		g.logger.Error("rollback dispatch failed", "change_id", changeID, "error", err.Error())
	}

	return MetricsReport{Breached: true, Breach: breach}, nil
}

// ApproveChange decides whether a registered change may skip voting.
//
// # Description
//
//	Scores the change's after-code against the known-safe corpus. A
//	similarity at or above the auto-approve threshold short-circuits
//	voting; everything below it requires consensus.
//
// # Outputs
//
//	Approval - The decision and the raw similarity score.
//	error - ErrChangeNotRegistered, or the scorer's error when the
//	        corpus is unreachable.
func (g *Guardian) ApproveChange(ctx context.Context, changeID string) (Approval, error) {
	g.mu.Lock()
	change, ok := g.changes[changeID]
	if !ok {
		g.mu.Unlock()
		return Approval{}, ErrChangeNotRegistered
	}
	code := change.AfterCode
	g.mu.Unlock()

	similarity, err := g.scorer.SafetyScore(ctx, code)
	if err != nil {
		return Approval{}, fmt.Errorf("similarity scoring: %w", err)
	}

	approval := Approval{
		AutoApproved: similarity >= g.thresholds.AutoApproveSimilarity,
		Similarity:   similarity,
	}
	g.logger.Info("approval evaluated",
		"change_id", changeID,
		"similarity", similarity,
		"auto_approved", approval.AutoApproved)
	return approval, nil
}

// GetRollbackStrategy resolves the strategy for a change type through the
// fallback chain: learned strategy first, conservative default last.
func (g *Guardian) GetRollbackStrategy(ctx context.Context, changeType string) (RollbackStrategy, error) {
	return g.resolveStrategy(ctx, changeType)
}

// AutoRollbackOnBreach rolls back a breached change.
//
// # Description
//
//	Resolves a rollback strategy, publishes the rollback command to the
//	instance, and marks the change rolled_back. The operation is
//	idempotent: a change already rolled back returns its existing
//	rollback id without publishing again.
//
// # Outputs
//
//	string - The rollback id (existing one on repeat calls).
//	error - ErrChangeNotRegistered, strategy resolution errors, or the
//	        publish error (state is not mutated on publish failure).
func (g *Guardian) AutoRollbackOnBreach(ctx context.Context, instanceID, changeID string, breach Breach) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	change, ok := g.changes[changeID]
	if !ok {
		return "", ErrChangeNotRegistered
	}
	if change.Status == StatusRolledBack {
		return g.rollbacks[changeID].RollbackID, nil
	}
	if change.Status != StatusActive {
		return "", fmt.Errorf("%w: cannot roll back %s change", ErrInvalidTransition, change.Status)
	}

	strategy, err := g.resolveStrategy(ctx, change.ChangeType)
	if err != nil {
		return "", err
	}

	rollbackID := uuid.NewString()
	trigger := queue.RollbackTrigger{
		ProposalID: changeID,
		InstanceID: instanceID,
		Reason:     breach.Reason(),
		Threshold:  breach.Metric,
	}
	if err := g.publisher.PublishRollbackTrigger(ctx, trigger); err != nil {
		return "", fmt.Errorf("publish rollback trigger: %w", err)
	}

	change.Status = StatusRolledBack
	g.rollbacks[changeID] = RollbackRecord{
		RollbackID:  rollbackID,
		ChangeID:    changeID,
		InstanceID:  instanceID,
		Reason:      breach.Reason(),
		Severity:    breach.Severity,
		Strategy:    strategy,
		TriggeredAt: g.now(),
	}
	g.telemetry.RollbackTriggered(ctx, change.ChangeType)

	if g.profilePub != nil {
		profile := g.profiles[changeID]
		profile.SimilarChangesSuccessRate *= 1 - emaAlpha
		g.profiles[changeID] = profile
		update := queue.SafetyProfileUpdate{
			InstanceID: queue.BroadcastInstance,
			SafetyProfile: queue.SafetyProfileDoc{
				RiskLevel:                 profile.RiskLevel,
				BlastRadius:               profile.BlastRadius,
				Reversibility:             profile.Reversibility,
				TestCoverage:              profile.TestCoverage,
				SimilarChangesSuccessRate: profile.SimilarChangesSuccessRate,
			},
		}
		if err := g.pool.Submit("profile_update", func(ctx context.Context) error {
			return g.profilePub.PublishSafetyProfileUpdate(ctx, update)
		}); err != nil {
			g.logger.Warn("profile update not dispatched",
				"change_id", changeID, "error", err.Error())
		}
	}

	g.logger.Warn("change rolled back",
		"change_id", changeID,
		"rollback_id", rollbackID,
		"strategy", strategyName(strategy),
		"reason", breach.Reason())
	return rollbackID, nil
}

// RecordRollbackOutcome feeds a rollback's observed result back into the
// learned-strategy store.
func (g *Guardian) RecordRollbackOutcome(changeID string, succeeded bool) error {
	g.mu.Lock()
	record, ok := g.rollbacks[changeID]
	change := g.changes[changeID]
	g.mu.Unlock()
	if !ok || change == nil {
		return ErrChangeNotRegistered
	}
	g.store.RecordOutcome(change.ChangeType, record.Strategy, succeeded)
	return nil
}

// MarkSuperseded applies the external active → superseded transition.
func (g *Guardian) MarkSuperseded(changeID string) error {
	return g.transition(changeID, StatusSuperseded)
}

// MarkExpired applies the external active → expired transition.
func (g *Guardian) MarkExpired(changeID string) error {
	return g.transition(changeID, StatusExpired)
}

func (g *Guardian) transition(changeID, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	change, ok := g.changes[changeID]
	if !ok {
		return ErrChangeNotRegistered
	}
	if change.Status != StatusActive {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, change.Status, target)
	}
	change.Status = target
	return nil
}

// GetChange returns a copy of a change and its safety profile.
func (g *Guardian) GetChange(changeID string) (Change, SafetyProfile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	change, ok := g.changes[changeID]
	if !ok {
		return Change{}, SafetyProfile{}, ErrChangeNotRegistered
	}
	return *change, g.profiles[changeID], nil
}

// Snapshots returns the accumulated metrics series for a change.
func (g *Guardian) Snapshots(changeID string) ([]MetricsSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.changes[changeID]; !ok {
		return nil, ErrChangeNotRegistered
	}
	series := make([]MetricsSnapshot, len(g.snapshots[changeID]))
	copy(series, g.snapshots[changeID])
	return series, nil
}

// RollbackRecordFor returns the audit record of a change's rollback.
func (g *Guardian) RollbackRecordFor(changeID string) (RollbackRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	record, ok := g.rollbacks[changeID]
	return record, ok
}

// resolveStrategy runs the strategy chain. Both resolvers are in-memory
// lookups and never block, so this is safe to call with g.mu held.
func (g *Guardian) resolveStrategy(ctx context.Context, changeType string) (RollbackStrategy, error) {
	result, err := g.strategies.Run(ctx, changeType)
	if err != nil {
		if errors.Is(err, fallback.ErrExhausted) {
			return RollbackStrategy{}, ErrNoStrategyLearned
		}
		return RollbackStrategy{}, err
	}
	return result.Value, nil
}

func strategyName(s RollbackStrategy) string {
	if s.LearnedFromCount > 0 {
		return "learned"
	}
	return "conservative_default"
}

// SnapshotFromMessage maps an inbound execution_metrics payload onto a
// snapshot. The after-metrics map carries the live readings.
func SnapshotFromMessage(msg queue.MetricsMessage) MetricsSnapshot {
	after := msg.MetricsAfter
	return MetricsSnapshot{
		ChangeID:         msg.ProposalID,
		InstanceID:       msg.InstanceID,
		SuccessRate:      after["success_rate"],
		ErrorRate:        after["error_rate"],
		LatencyP95MS:     after["latency_p95_ms"],
		CostCents:        after["cost_cents"],
		ThroughputPerMin: after["throughput_per_min"],
		ReportedAt:       msg.Timestamp,
	}
}

// parseDiffStats runs the unified diff through the multi-file reader and
// counts touched files and changed lines.
func parseDiffStats(unified string) (*DiffStats, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	stats := &DiffStats{FilesAffected: len(fileDiffs)}
	for _, fd := range fileDiffs {
		stats.Files = append(stats.Files, fd.NewName)
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					stats.LinesAdded++
				} else if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
					stats.LinesRemoved++
				}
			}
		}
	}
	return stats, nil
}
