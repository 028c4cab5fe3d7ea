// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest maps inbound queue messages onto engine operations.
//
// Handlers here honor the consumer contract: malformed payloads return
// Permanent errors and dead-letter immediately, ordering races (a vote
// arriving before its proposal) return retryable errors so the message
// comes back after the backoff, and duplicate-delivery outcomes
// (duplicate change, duplicate vote) ack without complaint because
// at-least-once delivery makes them routine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SingularityHQ/centralcloud/services/coordination/consensus"
	"github.com/SingularityHQ/centralcloud/services/coordination/guardian"
	"github.com/SingularityHQ/centralcloud/services/coordination/patterns"
	"github.com/SingularityHQ/centralcloud/services/coordination/queue"
)

// ProposalHandler consumes the proposal intake queue, which multiplexes
// proposals and votes on the type discriminator.
func ProposalHandler(g *guardian.Guardian, e *consensus.Engine, logger *slog.Logger) queue.Handler {
	logger = logger.With("handler", "proposal_intake")
	return func(ctx context.Context, msg queue.Message) error {
		env, err := queue.DecodeEnvelope(msg.Payload)
		if err != nil {
			return err
		}
		switch env.Type {
		case queue.TypeProposal:
			return handleProposal(ctx, g, e, logger, msg)
		case queue.TypeVote:
			return handleVote(ctx, e, logger, msg)
		default:
			return queue.Permanent(fmt.Errorf("unknown message type %q", env.Type))
		}
	}
}

func handleProposal(ctx context.Context, g *guardian.Guardian, e *consensus.Engine, logger *slog.Logger, msg queue.Message) error {
	var proposal queue.ProposalMessage
	if err := queue.DecodeAndValidate(msg.Payload, &proposal); err != nil {
		return err
	}

	_, err := g.RegisterChange(ctx, proposal.InstanceID, proposal.ProposalID, proposal.CodeChange, proposal.SafetyProfile)
	switch {
	case err == nil:
	case errors.Is(err, guardian.ErrDuplicateChange):
		// Redelivery; the change is already on file.
	case errors.Is(err, guardian.ErrInvalidChangeset), errors.Is(err, guardian.ErrInvalidSafetyProfile):
		return queue.Permanent(err)
	default:
		return fmt.Errorf("register change: %w", err)
	}

	result, err := e.ProposeChange(ctx, proposal.InstanceID, proposal.ProposalID, proposal.CodeChange, nil)
	if err != nil {
		return fmt.Errorf("propose change: %w", err)
	}
	if result.ExecutionID != "" {
		logger.Info("proposal auto-approved",
			"change_id", proposal.ProposalID,
			"execution_id", result.ExecutionID)
	}
	return nil
}

func handleVote(ctx context.Context, e *consensus.Engine, logger *slog.Logger, msg queue.Message) error {
	var vote queue.VoteMessage
	if err := queue.DecodeAndValidate(msg.Payload, &vote); err != nil {
		return err
	}

	result, err := e.VoteOnChange(ctx, vote.InstanceID, vote.ChangeID, vote.Vote, vote.Reason)
	switch {
	case err == nil:
	case errors.Is(err, consensus.ErrDuplicateVote):
		// Redelivery; the original vote stands.
		return nil
	case errors.Is(err, consensus.ErrProposalNotFound):
		// The vote outran its proposal; retry after the backoff.
		return fmt.Errorf("vote before proposal for change %s: %w", vote.ChangeID, err)
	default:
		return fmt.Errorf("record vote: %w", err)
	}

	if result.Evaluation.Outcome != consensus.OutcomeNoConsensus {
		logger.Info("vote closed consensus",
			"change_id", vote.ChangeID,
			"outcome", result.Evaluation.Outcome)
	}
	return nil
}

// MetricsHandler consumes the metrics intake queue.
func MetricsHandler(g *guardian.Guardian, logger *slog.Logger) queue.Handler {
	logger = logger.With("handler", "metrics_intake")
	return func(ctx context.Context, msg queue.Message) error {
		var metrics queue.MetricsMessage
		if err := queue.DecodeAndValidate(msg.Payload, &metrics); err != nil {
			return err
		}

		report, err := g.ReportMetrics(ctx, guardian.SnapshotFromMessage(metrics))
		if err != nil {
			if errors.Is(err, guardian.ErrChangeNotRegistered) {
				// Metrics can outrun registration; retry after backoff.
				return fmt.Errorf("metrics for unregistered change %s: %w", metrics.ProposalID, err)
			}
			return fmt.Errorf("report metrics: %w", err)
		}
		if report.Breached {
			logger.Warn("metrics breach ingested",
				"change_id", metrics.ProposalID,
				"metric", report.Breach.Metric,
				"severity", report.Breach.Severity)
		}
		return nil
	}
}

// PatternHandler consumes the pattern intake queue. Each report also
// upserts the reporting instance's usage so promotion counters
// accumulate.
func PatternHandler(a *patterns.Aggregator, logger *slog.Logger) queue.Handler {
	logger = logger.With("handler", "pattern_intake")
	return func(ctx context.Context, msg queue.Message) error {
		var pattern queue.PatternMessage
		if err := queue.DecodeAndValidate(msg.Payload, &pattern); err != nil {
			return err
		}

		patternID, err := a.RecordPattern(ctx, pattern.InstanceID, pattern.PatternType, pattern.CodePattern, pattern.SuccessRate)
		if err != nil {
			if errors.Is(err, patterns.ErrInvalidPattern) {
				return queue.Permanent(err)
			}
			return fmt.Errorf("record pattern: %w", err)
		}
		if err := a.RecordUsage(patternID, pattern.InstanceID, pattern.SuccessRate); err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
		logger.Debug("pattern ingested", "pattern_id", patternID, "instance_id", pattern.InstanceID)
		return nil
	}
}

// RollbackDispatchHandler consumes the rollback egress lane. Rollbacks
// are the fleet's highest-priority traffic, so this consumer runs with
// the tight poll interval; dispatch is a delivery log until instance
// push connections exist.
func RollbackDispatchHandler(logger *slog.Logger) queue.Handler {
	logger = logger.With("handler", "rollback_egress")
	return func(ctx context.Context, msg queue.Message) error {
		var trigger queue.RollbackTrigger
		if err := queue.DecodeAndValidate(msg.Payload, &trigger); err != nil {
			return err
		}
		logger.Warn("rollback trigger dispatched",
			"change_id", trigger.ProposalID,
			"instance_id", trigger.InstanceID,
			"reason", trigger.Reason)
		return nil
	}
}
