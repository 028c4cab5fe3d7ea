// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package semantic

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	embedder := &HashEmbedder{}

	a, err := embedder.Embed(ctx, "retry with exponential backoff")
	require.NoError(t, err)
	b, err := embedder.Embed(ctx, "retry with exponential backoff")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-9)
}

func TestHashEmbedderRejectsEmpty(t *testing.T) {
	embedder := &HashEmbedder{}
	_, err := embedder.Embed(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestHashEmbedderPartialOverlap(t *testing.T) {
	ctx := context.Background()
	embedder := &HashEmbedder{}

	a, err := embedder.Embed(ctx, "cache lookup with ttl eviction")
	require.NoError(t, err)
	b, err := embedder.Embed(ctx, "cache lookup with lru eviction")
	require.NoError(t, err)
	c, err := embedder.Embed(ctx, "completely unrelated sentence here")
	require.NoError(t, err)

	assert.Greater(t, Cosine(a, b), Cosine(a, c),
		"shared tokens should score higher than disjoint text")
}

func TestCosineEdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, Cosine(nil, nil))
	assert.Equal(t, 0.0, Cosine([]float32{1, 0}, []float32{1}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
	// Opposed vectors clamp to 0, not -1.
	assert.Equal(t, 0.0, Cosine([]float32{1, 0}, []float32{-1, 0}))
}

func TestCorpusScorerLocalFallback(t *testing.T) {
	ctx := context.Background()
	scorer, err := NewCorpusScorer(&HashEmbedder{}, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	// Empty corpus: nothing is similar.
	score, err := scorer.SafetyScore(ctx, "func handleRetry() {}")
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)

	require.NoError(t, scorer.AddSafePattern(ctx, "retry-helper", "func handleRetry() {}"))

	score, err = scorer.SafetyScore(ctx, "func handleRetry() {}")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9, "identical code matches the seeded pattern")

	score, err = scorer.SafetyScore(ctx, "completely different implementation approach")
	require.NoError(t, err)
	assert.Less(t, score, 0.9)
}

func TestHeuristicConfidenceScorer(t *testing.T) {
	ctx := context.Background()
	scorer := &HeuristicConfidenceScorer{}

	tests := []struct {
		name   string
		reason string
		min    float64
		max    float64
	}{
		{
			name:   "too short",
			reason: "ok",
			min:    0, max: 0,
		},
		{
			name:   "dismissive",
			reason: "lgtm, ship it now",
			min:    0.3, max: 0.3,
		},
		{
			name:   "plain justification",
			reason: "this change looks reasonable to me overall",
			min:    0.5, max: 0.75,
		},
		{
			name: "substantive with evidence",
			reason: "Verified against staging: error rate dropped from 2.1% to 0.3% " +
				"across 40000 requests, regression tests and benchmarks pass, latency unchanged.",
			min: 0.9, max: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := scorer.Score(ctx, tt.reason)
			assert.GreaterOrEqual(t, score, tt.min)
			assert.LessOrEqual(t, score, tt.max)
		})
	}
}

func TestConfidenceScorerDeterministic(t *testing.T) {
	ctx := context.Background()
	scorer := &HeuristicConfidenceScorer{}
	reason := "tested thoroughly, metrics look stable after 24h canary"
	assert.Equal(t, scorer.Score(ctx, reason), scorer.Score(ctx, reason))
}
