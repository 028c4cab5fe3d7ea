// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Producer serializes typed outbound messages onto instance-facing queues.
//
// Publish failures are logged and returned to the caller, never panicked;
// callers decide whether a failed broadcast is worth retrying.
//
// # Thread Safety
//
// Safe for concurrent use.
type Producer struct {
	sub    Substrate
	logger *slog.Logger
	now    func() time.Time
}

// NewProducer builds a producer over the substrate.
func NewProducer(sub Substrate, logger *slog.Logger) (*Producer, error) {
	if sub == nil {
		return nil, errors.New("substrate must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		sub:    sub,
		logger: logger.With("component", "producer"),
		now:    time.Now,
	}, nil
}

// PublishConsensusResult announces a voting decision.
func (p *Producer) PublishConsensusResult(ctx context.Context, result ConsensusResult) error {
	result.Type = TypeConsensusResult
	if result.Timestamp.IsZero() {
		result.Timestamp = p.now().UTC()
	}
	return p.publish(ctx, QueueConsensusResults, result,
		"proposal_id", result.ProposalID, "status", result.Status)
}

// PublishRollbackTrigger instructs an instance to revert a change.
func (p *Producer) PublishRollbackTrigger(ctx context.Context, trigger RollbackTrigger) error {
	trigger.Type = TypeRollbackTrigger
	if trigger.Timestamp.IsZero() {
		trigger.Timestamp = p.now().UTC()
	}
	return p.publish(ctx, QueueRollbacks, trigger,
		"proposal_id", trigger.ProposalID, "reason", trigger.Reason)
}

// PublishSafetyProfileUpdate distributes a revised safety profile.
func (p *Producer) PublishSafetyProfileUpdate(ctx context.Context, update SafetyProfileUpdate) error {
	update.Type = TypeSafetyProfileUpdate
	if update.InstanceID == "" {
		update.InstanceID = BroadcastInstance
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = p.now().UTC()
	}
	return p.publish(ctx, QueueSafetyProfiles, update,
		"instance_id", update.InstanceID, "agent_type", update.AgentType)
}

func (p *Producer) publish(ctx context.Context, queue string, v any, attrs ...any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}
	msgID, err := p.sub.Enqueue(ctx, queue, payload)
	if err != nil {
		p.logger.Error("publish failed", append([]any{"queue", queue, "error", err.Error()}, attrs...)...)
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	p.logger.Debug("published", append([]any{"queue", queue, "msg_id", msgID}, attrs...)...)
	return nil
}
