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
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/SingularityHQ/centralcloud/services/coordination/patterns"
)

// ConsensusPatterns serves GET /v1/patterns/consensus with optional
// type, threshold, min_instances, and limit query parameters.
func ConsensusPatterns(a *patterns.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts := patterns.DefaultQueryOptions()
		if raw := c.Query("threshold"); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid threshold"})
				return
			}
			opts.Threshold = v
		}
		if raw := c.Query("min_instances"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_instances"})
				return
			}
			opts.MinInstances = v
		}
		if raw := c.Query("limit"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			opts.Limit = v
		}

		found := a.GetConsensusPatterns(c.Query("type"), opts)
		out := make([]gin.H, 0, len(found))
		for _, p := range found {
			out = append(out, gin.H{
				"pattern_id":       p.PatternID,
				"pattern_type":     p.PatternType,
				"name":             p.Name,
				"consensus_score":  p.ConsensusScore,
				"success_rate":     p.SuccessRate,
				"source_instances": p.SourceInstances,
				"promoted":         p.PromotedToGenesis,
			})
		}
		c.JSON(http.StatusOK, gin.H{"patterns": out})
	}
}

// SuggestPatternsRequest is the body of POST /v1/patterns/suggest.
type SuggestPatternsRequest struct {
	ChangeType  string `json:"change_type" binding:"required"`
	CurrentCode string `json:"current_code" binding:"required"`
}

// SuggestPatterns ranks promoted knowledge against the caller's code.
func SuggestPatterns(a *patterns.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SuggestPatternsRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		suggestions, err := a.SuggestPattern(c.Request.Context(), req.ChangeType, req.CurrentCode)
		if err != nil {
			if errors.Is(err, patterns.ErrInvalidPattern) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
	}
}

// AggregatePatterns runs a promotion pass on demand.
func AggregatePatterns(a *patterns.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		promoted, err := a.AggregateLearnings(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":    err.Error(),
				"promoted": promoted,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"promoted": promoted})
	}
}
