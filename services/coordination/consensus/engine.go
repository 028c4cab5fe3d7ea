// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package consensus runs quorum+confidence voting over proposed fleet
// changes. Low-risk changes are short-circuited by the guardian's
// auto-approval; everything else collects votes until the rules decide.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SingularityHQ/centralcloud/services/coordination/guardian"
	"github.com/SingularityHQ/centralcloud/services/coordination/queue"
	"github.com/SingularityHQ/centralcloud/services/coordination/semantic"
)

var (
	// ErrProposalNotFound is returned when a vote or execution references
	// a change with no open proposal.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrDuplicateVote is returned when an instance votes twice on the
	// same change. The original vote stands.
	ErrDuplicateVote = errors.New("instance already voted on this change")

	// ErrConsensusNotReached is returned by ExecuteIfConsensus when the
	// vote set does not yet satisfy the rules.
	ErrConsensusNotReached = errors.New("consensus not reached")

	// ErrAlreadyExecuted is returned when a decided change is executed a
	// second time.
	ErrAlreadyExecuted = errors.New("change already executed")

	// ErrChangeRejected is returned when execution is requested for a
	// change the fleet rejected.
	ErrChangeRejected = errors.New("change rejected by consensus")
)

// Approver is the guardian's auto-approval check.
type Approver interface {
	ApproveChange(ctx context.Context, changeID string) (guardian.Approval, error)
}

// ResultPublisher announces voting requests and decisions to the fleet.
type ResultPublisher interface {
	PublishConsensusResult(ctx context.Context, result queue.ConsensusResult) error
}

// Telemetry receives decision counters.
type Telemetry interface {
	ConsensusDecision(ctx context.Context, outcome string)
}

type nopTelemetry struct{}

func (nopTelemetry) ConsensusDecision(context.Context, string) {}

// ProposeResult is the outcome of a propose call: exactly one of
// ExecutionID (auto-approved) or ProposalID (voting opened) is set.
type ProposeResult struct {
	ProposalID  string
	ExecutionID string
	Similarity  float64
}

// VoteResult reports a recorded vote and, when the vote tipped the set
// over a threshold, the resulting decision.
type VoteResult struct {
	Confidence float64
	Evaluation Evaluation

	// ExecutionID is set when this vote produced an approval.
	ExecutionID string
}

// Config assembles an Engine.
type Config struct {
	Rules      Rules
	Logger     *slog.Logger
	Approver   Approver
	Publisher  ResultPublisher
	Confidence semantic.ConfidenceScorer

	// Telemetry is optional.
	Telemetry Telemetry
}

// Engine owns proposal and vote state.
//
// # Thread Safety
//
// A single mutex serializes every mutation, so two votes arriving
// concurrently for the same change cannot both trigger execution.
type Engine struct {
	mu         sync.Mutex
	proposals  map[string]*Proposal       // keyed by change id
	votes      map[string][]Vote          // per change, in arrival order
	voted      map[string]map[string]bool // change id -> instances that voted
	executions map[string]string          // change id -> execution id (approvals only)
	decisions  map[string]string          // change id -> final outcome
	broadcast  map[string]bool            // change id -> decision published

	rules      Rules
	logger     *slog.Logger
	approver   Approver
	publisher  ResultPublisher
	confidence semantic.ConfidenceScorer
	telemetry  Telemetry
	now        func() time.Time
}

// New builds an Engine from the config.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Approver == nil {
		return nil, errors.New("approver is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("result publisher is required")
	}
	if cfg.Confidence == nil {
		return nil, errors.New("confidence scorer is required")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = nopTelemetry{}
	}
	return &Engine{
		proposals:  make(map[string]*Proposal),
		votes:      make(map[string][]Vote),
		voted:      make(map[string]map[string]bool),
		executions: make(map[string]string),
		decisions:  make(map[string]string),
		broadcast:  make(map[string]bool),
		rules:      cfg.Rules,
		logger:     cfg.Logger.With("component", "consensus"),
		approver:   cfg.Approver,
		publisher:  cfg.Publisher,
		confidence: cfg.Confidence,
		telemetry:  cfg.Telemetry,
		now:        time.Now,
	}, nil
}

// ProposeChange evaluates a change for auto-approval or opens voting.
//
// # Description
//
//	Asks the guardian for an auto-approval decision first. Auto-approved
//	changes skip voting entirely: the execution is broadcast and an
//	execution id returned. Everything else gets a Proposal in status
//	voting and a fleet-wide voting request. Repeat proposals for the
//	same change are idempotent: the existing proposal or execution id is
//	returned, so redelivered messages are harmless.
//
// # Outputs
//
//	ProposeResult - Execution id (auto-approved) or proposal id (voting).
//	error - Guardian errors (unregistered change, scorer failure) or the
//	        broadcast publish error.
func (e *Engine) ProposeChange(ctx context.Context, instanceID, changeID string, codeChange queue.CodeChangeDoc, metadata map[string]any) (ProposeResult, error) {
	e.mu.Lock()
	if executionID, ok := e.executions[changeID]; ok {
		e.mu.Unlock()
		return ProposeResult{ExecutionID: executionID}, nil
	}
	if proposal, ok := e.proposals[changeID]; ok {
		e.mu.Unlock()
		return ProposeResult{ProposalID: proposal.ProposalID}, nil
	}
	e.mu.Unlock()

	approval, err := e.approver.ApproveChange(ctx, changeID)
	if err != nil {
		return ProposeResult{}, fmt.Errorf("approval check: %w", err)
	}

	if approval.AutoApproved {
		executionID, err := e.broadcastDecision(ctx, changeID, instanceID, "auto_approved", Evaluation{AvgConfidence: approval.Similarity})
		if err != nil {
			return ProposeResult{}, err
		}
		e.telemetry.ConsensusDecision(ctx, "auto_approved")
		return ProposeResult{ExecutionID: executionID, Similarity: approval.Similarity}, nil
	}

	proposal := &Proposal{
		ProposalID: uuid.NewString(),
		ChangeID:   changeID,
		InstanceID: instanceID,
		CodeChange: codeChange,
		Metadata:   metadata,
		ProposedAt: e.now(),
		Status:     ProposalVoting,
	}

	e.mu.Lock()
	// Another consumer may have raced the approval check.
	if existing, ok := e.proposals[changeID]; ok {
		e.mu.Unlock()
		return ProposeResult{ProposalID: existing.ProposalID, Similarity: approval.Similarity}, nil
	}
	e.proposals[changeID] = proposal
	e.mu.Unlock()

	request := queue.ConsensusResult{
		ProposalID: proposal.ProposalID,
		InstanceID: queue.BroadcastInstance,
		Status:     "voting_requested",
	}
	if err := e.publisher.PublishConsensusResult(ctx, request); err != nil {
		return ProposeResult{}, fmt.Errorf("broadcast voting request: %w", err)
	}

	e.logger.Info("voting opened",
		"change_id", changeID,
		"proposal_id", proposal.ProposalID,
		"similarity", approval.Similarity)
	return ProposeResult{ProposalID: proposal.ProposalID, Similarity: approval.Similarity}, nil
}

// VoteOnChange records a vote and re-evaluates consensus.
//
// # Description
//
//	The vote's confidence is derived from its stated reason. Duplicate
//	votes per (change, instance) are rejected. After recording, the
//	rules run over the entire accumulated vote set; a decision is
//	broadcast exactly once, guarded by the broadcast set, so further
//	votes and redeliveries after the decision are no-ops. A decision
//	whose broadcast failed is re-broadcast on the next delivery for the
//	change, whichever vote carries it.
//
// # Outputs
//
//	VoteResult - The derived confidence and the evaluation after this
//	             vote; ExecutionID set when the vote produced approval.
//	error - ErrProposalNotFound, ErrDuplicateVote, or a broadcast error.
func (e *Engine) VoteOnChange(ctx context.Context, instanceID, changeID, vote, reason string) (VoteResult, error) {
	confidence := e.confidence.Score(ctx, reason)

	e.mu.Lock()
	proposal, ok := e.proposals[changeID]
	if !ok {
		e.mu.Unlock()
		return VoteResult{}, ErrProposalNotFound
	}
	if proposal.Status == ProposalDecided {
		outcome := e.decisions[changeID]
		eval := e.rules.Evaluate(e.votes[changeID])
		eval.Outcome = outcome
		pending := !e.broadcast[changeID]
		originInstance := proposal.InstanceID
		e.mu.Unlock()
		if pending {
			// The decision was reached earlier but its broadcast failed;
			// this delivery retries it.
			executionID, err := e.broadcastDecision(ctx, changeID, originInstance, outcome, eval)
			if err != nil {
				return VoteResult{Confidence: confidence, Evaluation: eval}, err
			}
			return VoteResult{Confidence: confidence, Evaluation: eval, ExecutionID: executionID}, nil
		}
		return VoteResult{Confidence: confidence, Evaluation: eval}, nil
	}
	if e.voted[changeID][instanceID] {
		e.mu.Unlock()
		return VoteResult{}, ErrDuplicateVote
	}
	if e.voted[changeID] == nil {
		e.voted[changeID] = make(map[string]bool)
	}
	e.voted[changeID][instanceID] = true
	e.votes[changeID] = append(e.votes[changeID], Vote{
		ChangeID:   changeID,
		InstanceID: instanceID,
		Vote:       vote,
		Confidence: confidence,
		Reason:     reason,
		VotedAt:    e.now(),
	})

	eval := e.rules.Evaluate(e.votes[changeID])
	if eval.Outcome == OutcomeNoConsensus {
		e.mu.Unlock()
		e.logger.Info("vote recorded",
			"change_id", changeID,
			"instance_id", instanceID,
			"vote", vote,
			"confidence", confidence,
			"votes", eval.Votes)
		return VoteResult{Confidence: confidence, Evaluation: eval}, nil
	}

	proposal.Status = ProposalDecided
	e.decisions[changeID] = eval.Outcome
	originInstance := proposal.InstanceID
	e.mu.Unlock()

	executionID := ""
	var err error
	if eval.Outcome == OutcomeApproved {
		executionID, err = e.broadcastDecision(ctx, changeID, originInstance, OutcomeApproved, eval)
	} else {
		_, err = e.broadcastDecision(ctx, changeID, originInstance, OutcomeRejected, eval)
	}
	if err != nil {
		return VoteResult{Confidence: confidence, Evaluation: eval}, err
	}

	e.telemetry.ConsensusDecision(ctx, eval.Outcome)
	e.logger.Info("consensus reached",
		"change_id", changeID,
		"outcome", eval.Outcome,
		"votes", eval.Votes,
		"avg_confidence", eval.AvgConfidence)
	return VoteResult{Confidence: confidence, Evaluation: eval, ExecutionID: executionID}, nil
}

// ExecuteIfConsensus is the idempotent re-check entry point for
// externally triggered execution retries.
//
// # Outputs
//
//	string - The execution id when the change is newly executable.
//	error - ErrAlreadyExecuted, ErrChangeRejected, ErrProposalNotFound,
//	        or ErrConsensusNotReached.
func (e *Engine) ExecuteIfConsensus(ctx context.Context, changeID string) (string, error) {
	e.mu.Lock()
	if _, ok := e.executions[changeID]; ok {
		e.mu.Unlock()
		return "", ErrAlreadyExecuted
	}
	if e.decisions[changeID] == OutcomeRejected {
		pending := !e.broadcast[changeID]
		originInstance := ""
		if proposal, ok := e.proposals[changeID]; ok {
			originInstance = proposal.InstanceID
		}
		eval := e.rules.Evaluate(e.votes[changeID])
		eval.Outcome = OutcomeRejected
		e.mu.Unlock()
		if pending {
			if _, err := e.broadcastDecision(ctx, changeID, originInstance, OutcomeRejected, eval); err != nil {
				return "", err
			}
		}
		return "", ErrChangeRejected
	}
	proposal, ok := e.proposals[changeID]
	if !ok {
		e.mu.Unlock()
		return "", ErrProposalNotFound
	}
	eval := e.rules.Evaluate(e.votes[changeID])
	if eval.Outcome != OutcomeApproved {
		e.mu.Unlock()
		return "", ErrConsensusNotReached
	}
	proposal.Status = ProposalDecided
	e.decisions[changeID] = OutcomeApproved
	originInstance := proposal.InstanceID
	e.mu.Unlock()

	executionID, err := e.broadcastDecision(ctx, changeID, originInstance, OutcomeApproved, eval)
	if err != nil {
		return "", err
	}
	e.telemetry.ConsensusDecision(ctx, OutcomeApproved)
	return executionID, nil
}

// GetProposal returns a copy of the open proposal for a change.
func (e *Engine) GetProposal(changeID string) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	proposal, ok := e.proposals[changeID]
	if !ok {
		return Proposal{}, ErrProposalNotFound
	}
	return *proposal, nil
}

// Votes returns the accumulated vote set for a change.
func (e *Engine) Votes(changeID string) []Vote {
	e.mu.Lock()
	defer e.mu.Unlock()
	votes := make([]Vote, len(e.votes[changeID]))
	copy(votes, e.votes[changeID])
	return votes
}

// broadcastDecision publishes a decision exactly once. An execution id
// is minted only for approved and auto-approved outcomes; rejections
// are broadcast but never become executable. The broadcast set makes
// repeat calls return the existing id (empty for rejections) without
// publishing again; a failed publish leaves the entry unset so the
// next delivery retries.
func (e *Engine) broadcastDecision(ctx context.Context, changeID, instanceID, status string, eval Evaluation) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broadcast[changeID] {
		return e.executions[changeID], nil
	}
	result := queue.ConsensusResult{
		ProposalID: changeID,
		InstanceID: instanceID,
		Status:     status,
		Votes:      eval.Votes,
		Confidence: eval.AvgConfidence,
	}
	if err := e.publisher.PublishConsensusResult(ctx, result); err != nil {
		return "", fmt.Errorf("broadcast decision: %w", err)
	}
	e.broadcast[changeID] = true
	if status == OutcomeRejected {
		return "", nil
	}
	executionID := uuid.NewString()
	e.executions[changeID] = executionID
	return executionID, nil
}
