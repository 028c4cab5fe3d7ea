// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patterns

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SingularityHQ/centralcloud/services/coordination/semantic"
	"github.com/SingularityHQ/centralcloud/services/coordination/workers"
)

// inlineSubmitter runs tasks synchronously so embeddings and merges are
// visible immediately.
type inlineSubmitter struct{}

func (inlineSubmitter) Submit(_ string, task workers.Task) error {
	return task(context.Background())
}

// countingExporter records exported patterns and can fail on demand.
type countingExporter struct {
	mu       sync.Mutex
	exported []string
	fail     bool
}

func (e *countingExporter) ExportPattern(_ context.Context, pattern Pattern) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return assert.AnError
	}
	e.exported = append(e.exported, pattern.PatternID)
	return nil
}

func newTestAggregator(t *testing.T, exporter GenesisExporter) *Aggregator {
	t.Helper()
	a, err := New(Config{
		Criteria: DefaultCriteria(),
		Logger:   slog.Default(),
		Embedder: &semantic.HashEmbedder{},
		Pool:     inlineSubmitter{},
		Exporter: exporter,
	})
	require.NoError(t, err)
	return a
}

func codePattern(name, code string) map[string]any {
	return map[string]any{"name": name, "code": code}
}

func TestConsensusScore(t *testing.T) {
	tests := []struct {
		name  string
		rates []float64
		want  float64
	}{
		{"no reports", nil, 0},
		{"single instance damped", []float64{0.99}, 0.5},
		{"perfect agreement", []float64{0.96, 0.96, 0.96}, 1.0},
		{"wide disagreement floors at zero", []float64{0.1, 0.9}, 1 - 2*0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, consensusScore(tt.rates), 1e-9)
		})
	}
}

func TestRecordPatternValidation(t *testing.T) {
	a := newTestAggregator(t, nil)
	ctx := context.Background()

	_, err := a.RecordPattern(ctx, "", TypeFramework, codePattern("x", "y"), 0.9)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = a.RecordPattern(ctx, "inst-1", "decorative", codePattern("x", "y"), 0.9)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = a.RecordPattern(ctx, "inst-1", TypeFramework, map[string]any{"code": "y"}, 0.9)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = a.RecordPattern(ctx, "inst-1", TypeFramework, codePattern("x", "y"), 1.5)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestRecordPatternMergesByKey(t *testing.T) {
	a := newTestAggregator(t, nil)
	ctx := context.Background()

	id1, err := a.RecordPattern(ctx, "inst-1", TypeCodeTemplate, codePattern("retry-loop", "for { retry }"), 0.96)
	require.NoError(t, err)
	id2, err := a.RecordPattern(ctx, "inst-2", TypeCodeTemplate, codePattern("retry-loop", "for { retry }"), 0.96)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	p, err := a.GetPattern(id1)
	require.NoError(t, err)
	assert.Len(t, p.SourceInstances, 2)
	assert.InDelta(t, 0.96, p.SuccessRate, 1e-9)
	assert.InDelta(t, 1.0, p.ConsensusScore, 1e-9)
}

func TestRecordPatternRepeatReportUpserts(t *testing.T) {
	a := newTestAggregator(t, nil)
	ctx := context.Background()

	id, err := a.RecordPattern(ctx, "inst-1", TypeCodeTemplate, codePattern("retry-loop", "x"), 0.80)
	require.NoError(t, err)
	_, err = a.RecordPattern(ctx, "inst-1", TypeCodeTemplate, codePattern("retry-loop", "x"), 0.95)
	require.NoError(t, err)

	p, err := a.GetPattern(id)
	require.NoError(t, err)
	assert.Len(t, p.SourceInstances, 1)
	assert.InDelta(t, 0.95, p.SuccessRate, 1e-9)
}

func TestSemanticNearDuplicateMerge(t *testing.T) {
	a := newTestAggregator(t, nil)
	ctx := context.Background()

	// Identical code under different names embeds to identical vectors,
	// which is above any merge threshold.
	id1, err := a.RecordPattern(ctx, "inst-1", TypeCodeTemplate, codePattern("retry-loop", "for { retry with backoff }"), 0.96)
	require.NoError(t, err)
	id2, err := a.RecordPattern(ctx, "inst-2", TypeCodeTemplate, codePattern("retry-with-backoff", "for { retry with backoff }"), 0.96)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	// The second id now aliases the first.
	p, err := a.GetPattern(id2)
	require.NoError(t, err)
	assert.Equal(t, id1, p.PatternID)
	assert.ElementsMatch(t, []string{"inst-1", "inst-2"}, p.SourceInstances)
}

func TestGetConsensusPatternsFilterAndOrder(t *testing.T) {
	a := newTestAggregator(t, nil)
	ctx := context.Background()

	seed := func(name, code string, rate float64, instances int) {
		for i := 0; i < instances; i++ {
			_, err := a.RecordPattern(ctx, "inst-"+string(rune('a'+i)), TypeFramework, codePattern(name, code), rate)
			require.NoError(t, err)
		}
	}
	seed("strong", "structured logging via slog handlers", 0.97, 3)
	seed("stronger", "graceful shutdown with signal context", 0.99, 3)
	seed("two-instances-only", "request validation middleware chain", 0.99, 2)

	got := a.GetConsensusPatterns(TypeFramework, DefaultQueryOptions())
	require.Len(t, got, 2)
	// Equal consensus scores fall back to success rate ordering.
	assert.Equal(t, "stronger", got[0].Name)
	assert.Equal(t, "strong", got[1].Name)
}

func TestSuggestPattern(t *testing.T) {
	a := newTestAggregator(t, nil)
	ctx := context.Background()

	_, err := a.RecordPattern(ctx, "inst-1", TypeCodeTemplate, codePattern("retry-loop", "retry with exponential backoff"), 0.95)
	require.NoError(t, err)
	_, err = a.RecordPattern(ctx, "inst-1", TypeErrorHandling, codePattern("wrap-errors", "wrap errors with context"), 0.90)
	require.NoError(t, err)
	// Incompatible type for code_refactoring; must never be suggested.
	_, err = a.RecordPattern(ctx, "inst-1", TypeFramework, codePattern("gin-routes", "retry with exponential backoff"), 0.99)
	require.NoError(t, err)

	suggestions, err := a.SuggestPattern(ctx, "code_refactoring", "retry with exponential backoff")
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)
	assert.LessOrEqual(t, len(suggestions), 5)
	assert.Equal(t, "retry-loop", suggestions[0].Name)
	for _, s := range suggestions {
		assert.NotEqual(t, TypeFramework, s.PatternType)
	}
}

func TestSuggestPatternUnknownChangeType(t *testing.T) {
	a := newTestAggregator(t, nil)
	_, err := a.SuggestPattern(context.Background(), "cosmetic", "code")
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestAggregateLearningsPromotionLifecycle(t *testing.T) {
	exporter := &countingExporter{}
	a := newTestAggregator(t, exporter)
	ctx := context.Background()

	// Two instances agreeing is not enough, whatever the scores.
	id, err := a.RecordPattern(ctx, "inst-1", TypeTechnology, codePattern("pgbouncer", "pool"), 0.98)
	require.NoError(t, err)
	_, err = a.RecordPattern(ctx, "inst-2", TypeTechnology, codePattern("pgbouncer", "pool"), 0.98)
	require.NoError(t, err)
	for i := 0; i < 120; i++ {
		require.NoError(t, a.RecordUsage(id, "inst-1", 0.98))
	}

	promoted, err := a.AggregateLearnings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	// The third instance completes the quorum.
	_, err = a.RecordPattern(ctx, "inst-3", TypeTechnology, codePattern("pgbouncer", "pool"), 0.98)
	require.NoError(t, err)

	promoted, err = a.AggregateLearnings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	assert.Equal(t, []string{id}, exporter.exported)

	// Promotion is idempotent across repeated aggregation runs.
	promoted, err = a.AggregateLearnings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)
	assert.Len(t, exporter.exported, 1)
}

func TestAggregateLearningsExportFailureRetries(t *testing.T) {
	exporter := &countingExporter{fail: true}
	a := newTestAggregator(t, exporter)
	ctx := context.Background()

	id, err := a.RecordPattern(ctx, "inst-1", TypeTechnology, codePattern("pgbouncer", "pool"), 0.98)
	require.NoError(t, err)
	_, err = a.RecordPattern(ctx, "inst-2", TypeTechnology, codePattern("pgbouncer", "pool"), 0.98)
	require.NoError(t, err)
	_, err = a.RecordPattern(ctx, "inst-3", TypeTechnology, codePattern("pgbouncer", "pool"), 0.98)
	require.NoError(t, err)
	for i := 0; i < 120; i++ {
		require.NoError(t, a.RecordUsage(id, "inst-1", 0.98))
	}

	promoted, err := a.AggregateLearnings(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, promoted)

	// A later run after the outage succeeds and promotes exactly once.
	exporter.fail = false
	promoted, err = a.AggregateLearnings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
}

func TestRecordUsageUnknownPattern(t *testing.T) {
	a := newTestAggregator(t, nil)
	assert.ErrorIs(t, a.RecordUsage("missing", "inst-1", 0.9), ErrPatternNotFound)
}
