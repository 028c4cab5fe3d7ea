// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue provides the durable message substrate the coordination
// engines use to talk to fleet instances.
//
// The substrate offers at-least-once delivery with visibility-timeout
// based redelivery: Read marks the returned messages in flight for the
// visibility window, Ack deletes permanently, Requeue makes a message
// redeliverable after a delay. Handlers behind the Consumer must therefore
// be idempotent or tolerate duplicate delivery.
//
// Persistence model:
//
//	Hot (engine memory) → Warm (BadgerQueue) → instances
//
// The package also defines the wire payloads exchanged with instances and
// the Consumer/Producer loops shared by the guardian, consensus, and
// pattern engines.
package queue

import (
	"context"
	"errors"
	"time"
)

// Logical queue names, one per coordination function.
const (
	// QueueProposals is the intake for change proposals and votes.
	QueueProposals = "proposal_intake"

	// QueueMetrics is the intake for live execution metrics.
	QueueMetrics = "metrics_intake"

	// QueuePatterns is the intake for per-instance pattern discoveries.
	QueuePatterns = "pattern_intake"

	// QueueConsensusResults is the egress for consensus decisions.
	QueueConsensusResults = "consensus_results"

	// QueueRollbacks is the egress for rollback triggers. Operationally
	// higher priority: a single consumer polls it at a tight interval.
	QueueRollbacks = "rollback_triggers"

	// QueueSafetyProfiles is the egress for safety profile updates.
	QueueSafetyProfiles = "safety_profiles"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter
// queue. Messages land there after exhausting their delivery attempts or
// on permanently malformed payloads.
const DeadLetterSuffix = ".dlq"

// DefaultVisibilityTimeout is the redelivery delay applied to failed
// processing.
const DefaultVisibilityTimeout = 60 * time.Second

var (
	// ErrMessageNotFound is returned by Ack and Requeue for unknown ids.
	ErrMessageNotFound = errors.New("message not found")

	// ErrSubstrateClosed is returned once the substrate has been closed.
	ErrSubstrateClosed = errors.New("queue substrate is closed")
)

// Message is a delivered queue entry. Consumers only inspect ID, Attempts,
// and Payload; the remaining bookkeeping belongs to the substrate.
type Message struct {
	// ID identifies the message within its queue for Ack/Requeue.
	ID string

	// Queue is the logical queue the message was read from.
	Queue string

	// EnqueuedAt is when the message was first published.
	EnqueuedAt time.Time

	// Attempts is the number of deliveries including this one.
	Attempts int

	// Payload is the opaque message body (JSON on every queue here).
	Payload []byte
}

// Substrate is the durable queue primitive.
//
// Implementations must guarantee at-least-once delivery: a message read
// but not acked becomes redeliverable after the visibility timeout, and
// a message is never visible to two concurrent readers at once.
type Substrate interface {
	// Enqueue appends a payload to a queue and returns the message id.
	Enqueue(ctx context.Context, queue string, payload []byte) (string, error)

	// Read returns up to batch visible messages, marking each in flight
	// for the substrate's visibility timeout.
	Read(ctx context.Context, queue string, batch int) ([]Message, error)

	// Ack permanently removes a message.
	Ack(ctx context.Context, queue, msgID string) error

	// Requeue makes a message redeliverable after delay.
	Requeue(ctx context.Context, queue, msgID string, delay time.Duration) error
}
