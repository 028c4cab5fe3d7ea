// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// EvolutionPatternClass is the Weaviate class holding promoted patterns.
const EvolutionPatternClass = "EvolutionPattern"

// GenesisExporter ships a promoted pattern to the shared learning system.
// Exports must be idempotent; the aggregator may retry after failures.
type GenesisExporter interface {
	ExportPattern(ctx context.Context, pattern Pattern) error
}

// WeaviateExporter upserts promoted patterns into the EvolutionPattern
// class with their embedding vector, making promoted knowledge queryable
// fleet-wide.
type WeaviateExporter struct {
	client *weaviate.Client
	logger *slog.Logger
}

// NewWeaviateExporter wraps a Weaviate client.
func NewWeaviateExporter(client *weaviate.Client, logger *slog.Logger) *WeaviateExporter {
	return &WeaviateExporter{client: client, logger: logger.With("component", "genesis_exporter")}
}

// EnsureSchema creates the EvolutionPattern class if missing.
func (e *WeaviateExporter) EnsureSchema(ctx context.Context) error {
	exists, err := e.client.Schema().ClassExistenceChecker().WithClassName(EvolutionPatternClass).Do(ctx)
	if err != nil {
		return fmt.Errorf("check %s schema: %w", EvolutionPatternClass, err)
	}
	if exists {
		return nil
	}
	class := &models.Class{
		Class:       EvolutionPatternClass,
		Description: "Patterns promoted by cross-instance consensus.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "name", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "patternType", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "codePattern", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "consensusScore", DataType: []string{"number"}},
			{Name: "successRate", DataType: []string{"number"}},
			{Name: "sourceInstances", DataType: []string{"text[]"}},
		},
	}
	if err := e.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create %s schema: %w", EvolutionPatternClass, err)
	}
	return nil
}

// ExportPattern upserts one promoted pattern. The object id is derived
// from the pattern id, so a retried export overwrites instead of
// duplicating.
func (e *WeaviateExporter) ExportPattern(ctx context.Context, pattern Pattern) error {
	encoded, err := json.Marshal(pattern.CodePattern)
	if err != nil {
		return fmt.Errorf("encode code pattern: %w", err)
	}
	objectID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(pattern.PatternID)).String()
	properties := map[string]any{
		"name":            pattern.Name,
		"patternType":     pattern.PatternType,
		"codePattern":     string(encoded),
		"consensusScore":  pattern.ConsensusScore,
		"successRate":     pattern.SuccessRate,
		"sourceInstances": pattern.SourceInstances,
	}

	_, err = e.client.Data().Creator().
		WithClassName(EvolutionPatternClass).
		WithID(objectID).
		WithProperties(properties).
		WithVector(pattern.Embedding).
		Do(ctx)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "already exists") && !strings.Contains(err.Error(), "422") {
		return fmt.Errorf("create %s object: %w", EvolutionPatternClass, err)
	}

	// Re-export of an existing object: update in place.
	if err := e.client.Data().Updater().
		WithClassName(EvolutionPatternClass).
		WithID(objectID).
		WithProperties(properties).
		WithVector(pattern.Embedding).
		Do(ctx); err != nil {
		return fmt.Errorf("update %s object: %w", EvolutionPatternClass, err)
	}
	return nil
}
