// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SingularityHQ/centralcloud/services/coordination/consensus"
	"github.com/SingularityHQ/centralcloud/services/coordination/guardian"
	"github.com/SingularityHQ/centralcloud/services/coordination/queue"
)

// CreateProposalRequest is the body of POST /v1/proposals.
type CreateProposalRequest struct {
	ChangeID   string              `json:"change_id" binding:"required"`
	InstanceID string              `json:"instance_id" binding:"required"`
	CodeChange queue.CodeChangeDoc `json:"code_change" binding:"required"`
	Metadata   map[string]any      `json:"metadata"`
}

// CreateProposal submits a change for auto-approval or voting.
func CreateProposal(e *consensus.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateProposalRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		result, err := e.ProposeChange(c.Request.Context(), req.InstanceID, req.ChangeID, req.CodeChange, req.Metadata)
		if err != nil {
			if errors.Is(err, guardian.ErrChangeNotRegistered) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if result.ExecutionID != "" {
			c.JSON(http.StatusOK, gin.H{
				"status":       "auto_approved",
				"execution_id": result.ExecutionID,
				"similarity":   result.Similarity,
			})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"status":      "voting",
			"proposal_id": result.ProposalID,
			"similarity":  result.Similarity,
		})
	}
}

// CastVoteRequest is the body of POST /v1/proposals/:id/votes. The id
// path parameter is the change id the proposal covers.
type CastVoteRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
	Vote       string `json:"vote" binding:"required,oneof=approve reject"`
	Reason     string `json:"reason" binding:"required,min=10"`
}

// CastVote records a vote and reports the consensus state after it.
func CastVote(e *consensus.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CastVoteRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		result, err := e.VoteOnChange(c.Request.Context(), req.InstanceID, c.Param("id"), req.Vote, req.Reason)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, consensus.ErrProposalNotFound):
				status = http.StatusNotFound
			case errors.Is(err, consensus.ErrDuplicateVote):
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		body := gin.H{
			"confidence":     result.Confidence,
			"outcome":        result.Evaluation.Outcome,
			"votes":          result.Evaluation.Votes,
			"avg_confidence": result.Evaluation.AvgConfidence,
		}
		if result.ExecutionID != "" {
			body["execution_id"] = result.ExecutionID
		}
		c.JSON(http.StatusOK, body)
	}
}

// ExecuteProposal retries execution of a decided change.
func ExecuteProposal(e *consensus.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		executionID, err := e.ExecuteIfConsensus(c.Request.Context(), c.Param("id"))
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, consensus.ErrProposalNotFound):
				status = http.StatusNotFound
			case errors.Is(err, consensus.ErrConsensusNotReached),
				errors.Is(err, consensus.ErrAlreadyExecuted),
				errors.Is(err, consensus.ErrChangeRejected):
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"execution_id": executionID})
	}
}
