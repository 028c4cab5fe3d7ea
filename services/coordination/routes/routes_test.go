// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SingularityHQ/centralcloud/services/coordination/consensus"
	"github.com/SingularityHQ/centralcloud/services/coordination/guardian"
	"github.com/SingularityHQ/centralcloud/services/coordination/patterns"
	"github.com/SingularityHQ/centralcloud/services/coordination/queue"
	"github.com/SingularityHQ/centralcloud/services/coordination/semantic"
	"github.com/SingularityHQ/centralcloud/services/coordination/workers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// coordinationStack is a fully wired in-memory deployment for handler
// tests.
type coordinationStack struct {
	router *gin.Engine
	queue  *queue.BadgerQueue
}

func newStack(t *testing.T) *coordinationStack {
	t.Helper()
	logger := slog.Default()

	sub, err := queue.NewBadgerQueue(queue.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	producer, err := queue.NewProducer(sub, logger)
	require.NoError(t, err)

	pool := workers.NewPool(2, 16, logger)
	t.Cleanup(pool.Close)

	scorer, err := semantic.NewCorpusScorer(&semantic.HashEmbedder{}, nil, logger)
	require.NoError(t, err)

	g, err := guardian.New(guardian.Config{
		Thresholds: guardian.DefaultThresholds(),
		Logger:     logger,
		Scorer:     scorer,
		Publisher:  producer,
		Pool:       pool,
	})
	require.NoError(t, err)

	engine, err := consensus.New(consensus.Config{
		Rules:      consensus.DefaultRules(),
		Logger:     logger,
		Approver:   g,
		Publisher:  producer,
		Confidence: &semantic.HeuristicConfidenceScorer{},
	})
	require.NoError(t, err)

	aggregator, err := patterns.New(patterns.Config{
		Criteria: patterns.DefaultCriteria(),
		Logger:   logger,
		Embedder: &semantic.HashEmbedder{},
		Pool:     pool,
	})
	require.NoError(t, err)

	router := gin.New()
	router.Use(gin.Recovery())
	SetupRoutes(router, g, engine, aggregator, nil)
	return &coordinationStack{router: router, queue: sub}
}

func (s *coordinationStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func registerBody(changeID string) map[string]any {
	return map[string]any{
		"change_id":   changeID,
		"instance_id": "inst-1",
		"code_change": map[string]any{
			"change_type": "code_refactoring",
			"after_code":  "def fast(): pass",
		},
		"safety_profile": map[string]any{
			"risk_level":    "low",
			"blast_radius":  "single_agent",
			"reversibility": "automatic",
			"test_coverage": 0.9,
		},
	}
}

func TestHealth(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterChangeEndpoint(t *testing.T) {
	s := newStack(t)

	rec := s.do(t, http.MethodPost, "/v1/changes", registerBody("change-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate registration conflicts.
	rec = s.do(t, http.MethodPost, "/v1/changes", registerBody("change-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Validation failures are client errors.
	bad := registerBody("change-2")
	bad["safety_profile"].(map[string]any)["risk_level"] = "extreme"
	rec = s.do(t, http.MethodPost, "/v1/changes", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsAndRollbackEndpoints(t *testing.T) {
	s := newStack(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/changes", registerBody("change-1")).Code)

	rec := s.do(t, http.MethodPost, "/v1/changes/change-1/metrics", map[string]any{
		"instance_id":    "inst-1",
		"success_rate":   0.99,
		"error_rate":     0.01,
		"latency_p95_ms": 120,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "monitored")

	rec = s.do(t, http.MethodPost, "/v1/changes/change-1/metrics", map[string]any{
		"instance_id":  "inst-1",
		"success_rate": 0.40,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "threshold_breach_detected")

	rec = s.do(t, http.MethodPost, "/v1/changes/missing/metrics", map[string]any{
		"instance_id":  "inst-1",
		"success_rate": 0.99,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualRollbackEndpoint(t *testing.T) {
	s := newStack(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/changes", registerBody("change-1")).Code)

	rec := s.do(t, http.MethodPost, "/v1/changes/change-1/rollback", map[string]any{
		"instance_id": "inst-1",
		"reason":      "operator observed cascading failures",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	first := body["rollback_id"]
	require.NotEmpty(t, first)

	// Repeat rollback returns the same id.
	rec = s.do(t, http.MethodPost, "/v1/changes/change-1/rollback", map[string]any{
		"instance_id": "inst-1",
		"reason":      "operator observed cascading failures",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, first, body["rollback_id"])
}

func TestApprovalEndpoint(t *testing.T) {
	s := newStack(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/changes", registerBody("change-1")).Code)

	rec := s.do(t, http.MethodGet, "/v1/changes/change-1/approval", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// Empty corpus scores zero similarity, so consensus is required.
	assert.Contains(t, rec.Body.String(), "requires_consensus")

	rec = s.do(t, http.MethodGet, "/v1/changes/missing/approval", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProposalVotingFlow(t *testing.T) {
	s := newStack(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/changes", registerBody("change-1")).Code)

	rec := s.do(t, http.MethodPost, "/v1/proposals", map[string]any{
		"change_id":   "change-1",
		"instance_id": "inst-1",
		"code_change": map[string]any{
			"change_type": "code_refactoring",
			"after_code":  "def fast(): pass",
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "voting")

	vote := func(instance string) *httptest.ResponseRecorder {
		return s.do(t, http.MethodPost, "/v1/proposals/change-1/votes", map[string]any{
			"instance_id": instance,
			"vote":        "approve",
			"reason":      "verified the regression tests and staging metrics after a canary rollout of 120 requests",
		})
	}
	require.Equal(t, http.StatusOK, vote("inst-1").Code)
	require.Equal(t, http.StatusOK, vote("inst-2").Code)

	// A duplicate vote conflicts.
	assert.Equal(t, http.StatusConflict, vote("inst-2").Code)

	rec = vote("inst-3")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "approved", body["outcome"])
	assert.NotEmpty(t, body["execution_id"])

	rec = s.do(t, http.MethodPost, "/v1/proposals/change-1/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPatternEndpoints(t *testing.T) {
	s := newStack(t)

	rec := s.do(t, http.MethodPost, "/v1/patterns/suggest", map[string]any{
		"change_type":  "code_refactoring",
		"current_code": "retry with exponential backoff",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/patterns/consensus?type=framework", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/patterns/consensus?threshold=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/patterns/aggregate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "promoted")
}
