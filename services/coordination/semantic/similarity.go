// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// SafePatternClass is the Weaviate class holding the known-safe corpus.
const SafePatternClass = "SafeChangePattern"

// SimilarityScorer scores a change against the corpus of known-safe
// patterns. The guardian auto-approves changes scoring at or above its
// configured threshold.
type SimilarityScorer interface {
	// SafetyScore returns the best corpus similarity in [0,1].
	// A change with no corpus neighbors scores 0.
	SafetyScore(ctx context.Context, code string) (float64, error)
}

// corpusEntry is one in-memory known-safe pattern.
type corpusEntry struct {
	name   string
	vector []float32
}

// CorpusScorer computes nearest-neighbor similarity against the safe
// corpus: through Weaviate when a client is configured, over an in-memory
// vector set otherwise. Every seeded pattern is kept in memory as well,
// so a Weaviate outage degrades to local scoring instead of failing the
// approval path.
//
// # Thread Safety
//
// Safe for concurrent use.
type CorpusScorer struct {
	embedder Embedder
	client   *weaviate.Client
	logger   *slog.Logger

	mu      sync.RWMutex
	entries []corpusEntry
}

// NewCorpusScorer builds a scorer. client may be nil for memory-only
// operation (tests, degraded mode).
func NewCorpusScorer(embedder Embedder, client *weaviate.Client, logger *slog.Logger) (*CorpusScorer, error) {
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CorpusScorer{
		embedder: embedder,
		client:   client,
		logger:   logger.With("component", "corpus_scorer"),
	}, nil
}

// EnsureSchema creates the safe-pattern class if missing. No-op without a
// Weaviate client.
func (s *CorpusScorer) EnsureSchema(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	exists, err := s.client.Schema().ClassExistenceChecker().WithClassName(SafePatternClass).Do(ctx)
	if err != nil {
		return fmt.Errorf("check %s schema: %w", SafePatternClass, err)
	}
	if exists {
		return nil
	}
	class := &models.Class{
		Class:       SafePatternClass,
		Description: "Known-safe change patterns used for auto-approval scoring.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "name", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "code", DataType: []string{"text"}, Tokenization: "word"},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create %s schema: %w", SafePatternClass, err)
	}
	return nil
}

// AddSafePattern seeds one known-safe pattern into the corpus.
func (s *CorpusScorer) AddSafePattern(ctx context.Context, name, code string) error {
	vector, err := s.embedder.Embed(ctx, code)
	if err != nil {
		return fmt.Errorf("embed safe pattern %s: %w", name, err)
	}

	s.mu.Lock()
	s.entries = append(s.entries, corpusEntry{name: name, vector: vector})
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	_, err = s.client.Data().Creator().
		WithClassName(SafePatternClass).
		WithID(uuid.NewString()).
		WithProperties(map[string]any{"name": name, "code": code}).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		// Memory copy already holds the pattern; scoring stays correct.
		s.logger.Warn("safe pattern not persisted to weaviate",
			"name", name, "error", err.Error())
	}
	return nil
}

// SafetyScore returns the best similarity between code and the corpus.
func (s *CorpusScorer) SafetyScore(ctx context.Context, code string) (float64, error) {
	vector, err := s.embedder.Embed(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("embed change: %w", err)
	}

	if s.client != nil {
		score, err := s.queryWeaviate(ctx, vector)
		if err == nil {
			return score, nil
		}
		s.logger.Warn("weaviate similarity query failed, using local corpus",
			"error", err.Error())
	}
	return s.localScore(vector), nil
}

// queryWeaviate runs a nearVector search and returns the best certainty.
func (s *CorpusScorer) queryWeaviate(ctx context.Context, vector []float32) (float64, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	fields := []graphql.Field{
		{Name: "name"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}
	result, err := s.client.GraphQL().Get().
		WithClassName(SafePatternClass).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("near-vector search: %w", err)
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("near-vector search: %s", result.Errors[0].Message)
	}

	data, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return 0, errors.New("unexpected graphql response shape")
	}
	rows, ok := data[SafePatternClass].([]any)
	if !ok || len(rows) == 0 {
		return 0, nil // empty corpus
	}
	row, ok := rows[0].(map[string]any)
	if !ok {
		return 0, errors.New("unexpected graphql row shape")
	}
	additional, ok := row["_additional"].(map[string]any)
	if !ok {
		return 0, errors.New("missing _additional in graphql row")
	}
	certainty, ok := additional["certainty"].(float64)
	if !ok {
		return 0, errors.New("missing certainty in graphql row")
	}
	return certainty, nil
}

func (s *CorpusScorer) localScore(vector []float32) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best := 0.0
	for _, entry := range s.entries {
		if sim := Cosine(vector, entry.vector); sim > best {
			best = sim
		}
	}
	return best
}

// Cosine returns the cosine similarity of two vectors, clamped to [0,1].
// Mismatched or empty vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
