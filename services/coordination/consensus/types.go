// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package consensus

import (
	"time"

	"github.com/SingularityHQ/centralcloud/services/coordination/queue"
)

// Proposal status values.
const (
	ProposalVoting  = "voting"
	ProposalDecided = "decided"
)

// Vote values.
const (
	VoteApprove = "approve"
	VoteReject  = "reject"
)

// Consensus outcomes.
const (
	OutcomeNoConsensus = "no_consensus"
	OutcomeApproved    = "approved"
	OutcomeRejected    = "rejected"
)

// Proposal is one change awaiting the fleet's decision. At most one
// proposal exists per change.
type Proposal struct {
	ProposalID string
	ChangeID   string
	InstanceID string
	CodeChange queue.CodeChangeDoc
	Metadata   map[string]any
	ProposedAt time.Time
	Status     string
}

// Vote is one instance's recorded position on a change. Votes are
// immutable once recorded; consensus is a pure function of the
// accumulated set.
type Vote struct {
	ChangeID   string
	InstanceID string
	Vote       string
	Confidence float64
	Reason     string
	VotedAt    time.Time
}

// Rules holds the quorum+confidence thresholds.
type Rules struct {
	MinVotes               int     `yaml:"min_votes"`
	ApproveRatio           float64 `yaml:"approve_ratio"`
	MinAvgConfidence       float64 `yaml:"min_avg_confidence"`
	StrongRejectConfidence float64 `yaml:"strong_reject_confidence"`
}

// DefaultRules returns the fleet governance defaults.
func DefaultRules() Rules {
	return Rules{
		MinVotes:               3,
		ApproveRatio:           2.0 / 3.0,
		MinAvgConfidence:       0.85,
		StrongRejectConfidence: 0.90,
	}
}

// Evaluation summarizes one consensus check over a vote set.
type Evaluation struct {
	Outcome       string
	Votes         int
	Approvals     int
	Rejections    int
	AvgConfidence float64
}

// Evaluate runs the quorum+confidence rules over the full vote set.
//
// Decision order:
//
//  1. Fewer than MinVotes votes: no consensus yet.
//  2. Any reject with confidence above StrongRejectConfidence: rejected
//     (safety override, regardless of the majority).
//  3. Approve ratio at least ApproveRatio and average confidence at
//     least MinAvgConfidence: approved.
//  4. Rejections outnumber approvals with average confidence at least
//     MinAvgConfidence: rejected.
//  5. Otherwise: no consensus, wait for more votes.
func (r Rules) Evaluate(votes []Vote) Evaluation {
	eval := Evaluation{Outcome: OutcomeNoConsensus, Votes: len(votes)}

	var confidenceSum float64
	strongReject := false
	for _, v := range votes {
		confidenceSum += v.Confidence
		switch v.Vote {
		case VoteApprove:
			eval.Approvals++
		case VoteReject:
			eval.Rejections++
			if v.Confidence > r.StrongRejectConfidence {
				strongReject = true
			}
		}
	}
	if len(votes) > 0 {
		eval.AvgConfidence = confidenceSum / float64(len(votes))
	}
	if len(votes) < r.MinVotes {
		return eval
	}

	switch {
	case strongReject:
		eval.Outcome = OutcomeRejected
	case float64(eval.Approvals)/float64(len(votes)) >= r.ApproveRatio && eval.AvgConfidence >= r.MinAvgConfidence:
		eval.Outcome = OutcomeApproved
	case eval.Rejections > eval.Approvals && eval.AvgConfidence >= r.MinAvgConfidence:
		eval.Outcome = OutcomeRejected
	}
	return eval
}
