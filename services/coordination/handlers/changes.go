// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers for the coordination plane's
// HTTP surface. Each handler binds and validates its request, delegates
// to the owning engine, and maps engine sentinel errors onto HTTP status
// codes.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SingularityHQ/centralcloud/services/coordination/guardian"
	"github.com/SingularityHQ/centralcloud/services/coordination/queue"
)

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterChangeRequest is the body of POST /v1/changes.
type RegisterChangeRequest struct {
	ChangeID      string                 `json:"change_id" binding:"required"`
	InstanceID    string                 `json:"instance_id" binding:"required"`
	CodeChange    queue.CodeChangeDoc    `json:"code_change" binding:"required"`
	SafetyProfile queue.SafetyProfileDoc `json:"safety_profile" binding:"required"`
}

// RegisterChange registers a change with its safety profile.
func RegisterChange(g *guardian.Guardian) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterChangeRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		id, err := g.RegisterChange(c.Request.Context(), req.InstanceID, req.ChangeID, req.CodeChange, req.SafetyProfile)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, guardian.ErrDuplicateChange):
				status = http.StatusConflict
			case errors.Is(err, guardian.ErrInvalidChangeset), errors.Is(err, guardian.ErrInvalidSafetyProfile):
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"change_id": id})
	}
}

// ReportMetricsRequest is the body of POST /v1/changes/:id/metrics.
type ReportMetricsRequest struct {
	InstanceID       string  `json:"instance_id" binding:"required"`
	SuccessRate      float64 `json:"success_rate"`
	ErrorRate        float64 `json:"error_rate"`
	LatencyP95MS     float64 `json:"latency_p95_ms"`
	CostCents        float64 `json:"cost_cents"`
	ThroughputPerMin float64 `json:"throughput_per_min"`
}

// ReportMetrics ingests a live metrics snapshot for a change.
func ReportMetrics(g *guardian.Guardian) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReportMetricsRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		report, err := g.ReportMetrics(c.Request.Context(), guardian.MetricsSnapshot{
			ChangeID:         c.Param("id"),
			InstanceID:       req.InstanceID,
			SuccessRate:      req.SuccessRate,
			ErrorRate:        req.ErrorRate,
			LatencyP95MS:     req.LatencyP95MS,
			CostCents:        req.CostCents,
			ThroughputPerMin: req.ThroughputPerMin,
		})
		if err != nil {
			if errors.Is(err, guardian.ErrChangeNotRegistered) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if report.Breached {
			c.JSON(http.StatusOK, gin.H{
				"status":   "threshold_breach_detected",
				"metric":   report.Breach.Metric,
				"severity": report.Breach.Severity,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "monitored"})
	}
}

// GetApproval evaluates a change's auto-approval decision.
func GetApproval(g *guardian.Guardian) gin.HandlerFunc {
	return func(c *gin.Context) {
		approval, err := g.ApproveChange(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, guardian.ErrChangeNotRegistered) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			slog.Error("approval check failed", "change_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		status := "requires_consensus"
		if approval.AutoApproved {
			status = "auto_approved"
		}
		c.JSON(http.StatusOK, gin.H{"status": status, "similarity": approval.Similarity})
	}
}

// TriggerRollbackRequest is the body of POST /v1/changes/:id/rollback.
type TriggerRollbackRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

// TriggerRollback runs an operator-initiated rollback of a change.
func TriggerRollback(g *guardian.Guardian) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerRollbackRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		rollbackID, err := g.AutoRollbackOnBreach(c.Request.Context(), req.InstanceID, c.Param("id"), guardian.Breach{
			Metric:      "manual",
			Severity:    guardian.SeverityCritical,
			Description: req.Reason,
		})
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, guardian.ErrChangeNotRegistered):
				status = http.StatusNotFound
			case errors.Is(err, guardian.ErrInvalidTransition):
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rollback_id": rollbackID})
	}
}
