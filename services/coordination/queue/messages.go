// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file defines the wire payloads exchanged with fleet instances.
// Inbound payloads carry a "type" discriminator so the proposal intake
// queue can multiplex proposals and votes; validation failures are
// permanent errors and go straight to the dead-letter queue.

package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Inbound message types.
const (
	TypeProposal = "proposal_for_consensus"
	TypeVote     = "consensus_vote"
	TypeMetrics  = "execution_metrics"
	TypePattern  = "pattern_discovered"
)

// Outbound message types.
const (
	TypeConsensusResult     = "consensus_result"
	TypeRollbackTrigger     = "rollback_trigger"
	TypeSafetyProfileUpdate = "safety_profile_update"
)

// BroadcastInstance is the instance id that addresses the whole fleet.
const BroadcastInstance = "broadcast"

// messageValidate is the shared validator for queue payloads.
var messageValidate = validator.New()

// Envelope is the minimal shape every inbound payload shares. Consumers
// decode it first to route on Type before binding the full payload.
type Envelope struct {
	Type string `json:"type"`
}

// SafetyProfileDoc is the wire form of a change's safety profile.
type SafetyProfileDoc struct {
	RiskLevel                 string  `json:"risk_level" validate:"required,oneof=low medium high"`
	BlastRadius               string  `json:"blast_radius" validate:"required,oneof=single_agent agent_group all_agents"`
	Reversibility             string  `json:"reversibility" validate:"required,oneof=automatic manual irreversible"`
	TestCoverage              float64 `json:"test_coverage" validate:"gte=0,lte=1"`
	SimilarChangesSuccessRate float64 `json:"similar_changes_success_rate" validate:"gte=0,lte=1"`
}

// CodeChangeDoc is the wire form of a proposed code change.
type CodeChangeDoc struct {
	ChangeType string `json:"change_type" validate:"required,oneof=pattern_enhancement model_optimization cache_improvement code_refactoring"`
	BeforeCode string `json:"before_code"`
	AfterCode  string `json:"after_code" validate:"required"`
	AgentID    string `json:"agent_id"`

	// Diff optionally carries a unified diff of the change; when present
	// the guardian parses it for blast statistics.
	Diff string `json:"diff,omitempty"`
}

// ProposalMessage asks the consensus engine to evaluate a change.
type ProposalMessage struct {
	Type          string           `json:"type"`
	ProposalID    string           `json:"proposal_id" validate:"required"`
	InstanceID    string           `json:"instance_id" validate:"required"`
	AgentType     string           `json:"agent_type"`
	CodeChange    CodeChangeDoc    `json:"code_change" validate:"required"`
	ImpactScore   float64          `json:"impact_score" validate:"gte=0,lte=1"`
	RiskScore     float64          `json:"risk_score" validate:"gte=0,lte=1"`
	SafetyProfile SafetyProfileDoc `json:"safety_profile" validate:"required"`
	Timestamp     time.Time        `json:"timestamp"`
}

// VoteMessage records one instance's vote on a pending proposal.
type VoteMessage struct {
	Type       string    `json:"type"`
	ChangeID   string    `json:"change_id" validate:"required"`
	InstanceID string    `json:"instance_id" validate:"required"`
	Vote       string    `json:"vote" validate:"required,oneof=approve reject"`
	Reason     string    `json:"reason" validate:"required,min=10"`
	Timestamp  time.Time `json:"timestamp"`
}

// MetricsMessage reports live execution metrics for an applied change.
type MetricsMessage struct {
	Type          string             `json:"type"`
	ProposalID    string             `json:"proposal_id" validate:"required"`
	InstanceID    string             `json:"instance_id" validate:"required"`
	AgentType     string             `json:"agent_type"`
	MetricsBefore map[string]float64 `json:"metrics_before"`
	MetricsAfter  map[string]float64 `json:"metrics_after" validate:"required"`
	Status        string             `json:"status"`
	Timestamp     time.Time          `json:"timestamp"`
}

// PatternMessage reports a pattern discovered by one instance.
type PatternMessage struct {
	Type        string         `json:"type"`
	InstanceID  string         `json:"instance_id" validate:"required"`
	PatternType string         `json:"pattern_type" validate:"required,oneof=framework technology service_architecture code_template error_handling"`
	CodePattern map[string]any `json:"code_pattern" validate:"required"`
	SuccessRate float64        `json:"success_rate" validate:"gte=0,lte=1"`
	AgentType   string         `json:"agent_type"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ConsensusResult announces a voting decision to an instance.
type ConsensusResult struct {
	Type       string    `json:"type"`
	ProposalID string    `json:"proposal_id"`
	InstanceID string    `json:"instance_id"`
	Status     string    `json:"status"`
	Votes      int       `json:"votes"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// RollbackTrigger instructs an instance to revert a change.
type RollbackTrigger struct {
	Type       string    `json:"type"`
	ProposalID string    `json:"proposal_id"`
	InstanceID string    `json:"instance_id"`
	Reason     string    `json:"reason"`
	Threshold  string    `json:"threshold"`
	Timestamp  time.Time `json:"timestamp"`
}

// SafetyProfileUpdate distributes a revised safety profile, either to one
// instance or fleet-wide via BroadcastInstance.
type SafetyProfileUpdate struct {
	Type          string           `json:"type"`
	InstanceID    string           `json:"instance_id"`
	AgentType     string           `json:"agent_type"`
	SafetyProfile SafetyProfileDoc `json:"safety_profile"`
	Timestamp     time.Time        `json:"timestamp"`
}

// ValidateStruct runs the shared payload validator against v. Engines use
// it to validate documents that arrive through the HTTP surface rather
// than the queue.
func ValidateStruct(v any) error {
	return messageValidate.Struct(v)
}

// DecodeEnvelope extracts the type discriminator from an inbound payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, Permanent(fmt.Errorf("decode envelope: %w", err))
	}
	return env, nil
}

// DecodeAndValidate unmarshals a payload into v and runs struct
// validation. Both failure modes are permanent: retrying a malformed
// message can never succeed, so the consumer dead-letters it immediately.
func DecodeAndValidate(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if err := messageValidate.Struct(v); err != nil {
		return Permanent(fmt.Errorf("validate payload: %w", err))
	}
	return nil
}
