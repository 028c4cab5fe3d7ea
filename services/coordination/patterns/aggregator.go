// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package patterns aggregates per-instance pattern discoveries, computes
// cross-instance consensus, and promotes high-confidence patterns to the
// Genesis learning system.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SingularityHQ/centralcloud/services/coordination/semantic"
	"github.com/SingularityHQ/centralcloud/services/coordination/workers"
)

var (
	// ErrInvalidPattern is returned when a report is missing required
	// descriptive fields.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrPatternNotFound is returned when an operation references an
	// unknown pattern id.
	ErrPatternNotFound = errors.New("pattern not found")
)

// TaskSubmitter dispatches fire-and-forget background work.
type TaskSubmitter interface {
	Submit(name string, task workers.Task) error
}

// Telemetry receives promotion counters.
type Telemetry interface {
	PatternPromoted(ctx context.Context)
}

type nopTelemetry struct{}

func (nopTelemetry) PatternPromoted(context.Context) {}

// Config assembles an Aggregator.
type Config struct {
	Criteria Criteria
	Logger   *slog.Logger
	Embedder semantic.Embedder
	Pool     TaskSubmitter

	// Exporter is optional; nil disables Genesis export (patterns are
	// still marked promoted).
	Exporter GenesisExporter

	// Telemetry is optional.
	Telemetry Telemetry
}

// Aggregator owns pattern and usage state.
//
// # Thread Safety
//
// A single mutex serializes every mutation. Background embedding and
// consensus recomputation re-enter through serialized methods, so their
// results apply under the same discipline as direct calls.
type Aggregator struct {
	mu       sync.Mutex
	patterns map[string]*Pattern
	// byKey maps (type, name) to the canonical pattern id.
	byKey map[string]string
	// reports holds each instance's latest success rate per pattern.
	reports map[string]map[string]float64
	usage   map[string]map[string]*PatternUsage
	// aliases redirect merged-away pattern ids to their canonical id.
	aliases map[string]string

	criteria  Criteria
	logger    *slog.Logger
	embedder  semantic.Embedder
	pool      TaskSubmitter
	exporter  GenesisExporter
	telemetry Telemetry
	now       func() time.Time
}

// New builds an Aggregator from the config.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("task submitter is required")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = nopTelemetry{}
	}
	return &Aggregator{
		patterns:  make(map[string]*Pattern),
		byKey:     make(map[string]string),
		reports:   make(map[string]map[string]float64),
		usage:     make(map[string]map[string]*PatternUsage),
		aliases:   make(map[string]string),
		criteria:  cfg.Criteria,
		logger:    cfg.Logger.With("component", "pattern_aggregator"),
		embedder:  cfg.Embedder,
		pool:      cfg.Pool,
		exporter:  cfg.Exporter,
		telemetry: cfg.Telemetry,
		now:       time.Now,
	}, nil
}

// RecordPattern ingests one instance's pattern discovery.
//
// # Description
//
//	Validates the report, merges it into an existing pattern when the
//	(type, name) key matches, and otherwise creates a new pattern.
//	Repeated reports from the same instance upsert its success rate, so
//	redelivered messages are harmless. Embedding computation and the
//	semantic near-duplicate merge run as background work; the consensus
//	score is recomputed from the accumulated per-instance reports.
//
// # Inputs
//
//	instanceID - Reporting instance.
//	patternType - One of the pattern type constants.
//	codePattern - Descriptive document; a non-empty "name" is required.
//	successRate - The instance's observed success rate in [0,1].
//
// # Outputs
//
//	string - The pattern id (existing id on merge).
//	error - ErrInvalidPattern on validation failure.
func (a *Aggregator) RecordPattern(ctx context.Context, instanceID, patternType string, codePattern map[string]any, successRate float64) (string, error) {
	if instanceID == "" {
		return "", fmt.Errorf("%w: instance id is required", ErrInvalidPattern)
	}
	if !validPatternTypes[patternType] {
		return "", fmt.Errorf("%w: unknown pattern type %q", ErrInvalidPattern, patternType)
	}
	if successRate < 0 || successRate > 1 {
		return "", fmt.Errorf("%w: success rate out of range", ErrInvalidPattern)
	}
	name, _ := codePattern["name"].(string)
	if name == "" {
		return "", fmt.Errorf("%w: code pattern needs a name", ErrInvalidPattern)
	}

	a.mu.Lock()
	key := patternKey(patternType, name)
	patternID, exists := a.byKey[key]
	if exists {
		a.mergeReportLocked(patternID, instanceID, successRate)
	} else {
		patternID = uuid.NewString()
		a.patterns[patternID] = &Pattern{
			PatternID:       patternID,
			PatternType:     patternType,
			Name:            name,
			CodePattern:     codePattern,
			SourceInstances: []string{instanceID},
			ConsensusScore:  consensusScore([]float64{successRate}),
			SuccessRate:     successRate,
			FirstReportedAt: a.now(),
		}
		a.byKey[key] = patternID
		a.reports[patternID] = map[string]float64{instanceID: successRate}
	}
	needsEmbedding := a.patterns[patternID].Embedding == nil
	a.mu.Unlock()

	if needsEmbedding {
		a.scheduleEmbedding(patternID, name, codePattern)
	}
	return patternID, nil
}

// RecordUsage upserts one instance's usage of a pattern; the usage count
// accumulates across calls.
func (a *Aggregator) RecordUsage(patternID, instanceID string, successRate float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	patternID = a.canonicalLocked(patternID)
	if _, ok := a.patterns[patternID]; !ok {
		return ErrPatternNotFound
	}
	if a.usage[patternID] == nil {
		a.usage[patternID] = make(map[string]*PatternUsage)
	}
	entry, ok := a.usage[patternID][instanceID]
	if !ok {
		entry = &PatternUsage{PatternID: patternID, InstanceID: instanceID}
		a.usage[patternID][instanceID] = entry
	}
	entry.SuccessRate = successRate
	entry.UsageCount++
	entry.LastUsedAt = a.now()
	return nil
}

// UsageFor returns the per-instance usage records for a pattern,
// following merge aliases.
func (a *Aggregator) UsageFor(patternID string) ([]PatternUsage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	patternID = a.canonicalLocked(patternID)
	if _, ok := a.patterns[patternID]; !ok {
		return nil, ErrPatternNotFound
	}
	out := make([]PatternUsage, 0, len(a.usage[patternID]))
	for _, entry := range a.usage[patternID] {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// GetConsensusPatterns returns patterns meeting the agreement filter,
// ordered by consensus score then success rate, both descending.
func (a *Aggregator) GetConsensusPatterns(patternType string, opts QueryOptions) []Pattern {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Pattern
	for _, p := range a.patterns {
		if patternType != "" && p.PatternType != patternType {
			continue
		}
		if p.ConsensusScore < opts.Threshold || len(p.SourceInstances) < opts.MinInstances {
			continue
		}
		out = append(out, clonePattern(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConsensusScore != out[j].ConsensusScore {
			return out[i].ConsensusScore > out[j].ConsensusScore
		}
		return out[i].SuccessRate > out[j].SuccessRate
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// SuggestPattern ranks patterns of compatible type against the current
// code by similarity x success rate.
func (a *Aggregator) SuggestPattern(ctx context.Context, changeType, currentCode string) ([]Suggestion, error) {
	types, ok := compatibleTypes[changeType]
	if !ok {
		return nil, fmt.Errorf("%w: no pattern types for change type %q", ErrInvalidPattern, changeType)
	}
	vector, err := a.embedder.Embed(ctx, currentCode)
	if err != nil {
		return nil, fmt.Errorf("embed current code: %w", err)
	}
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	a.mu.Lock()
	var suggestions []Suggestion
	for _, p := range a.patterns {
		if !wanted[p.PatternType] || p.Embedding == nil {
			continue
		}
		similarity := semantic.Cosine(vector, p.Embedding)
		suggestions = append(suggestions, Suggestion{
			PatternID:   p.PatternID,
			Name:        p.Name,
			PatternType: p.PatternType,
			Similarity:  similarity,
			SuccessRate: p.SuccessRate,
			Score:       similarity * p.SuccessRate,
		})
	}
	a.mu.Unlock()

	sort.Slice(suggestions, func(i, j int) bool {
		return suggestions[i].Score > suggestions[j].Score
	})
	limit := a.criteria.SuggestLimit
	if limit <= 0 {
		limit = 5
	}
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions, nil
}

// AggregateLearnings promotes every pattern meeting all promotion
// criteria.
//
// # Description
//
//	A pattern qualifies when its consensus score, success rate, instance
//	count, and total usage count all clear their thresholds and it has
//	not been promoted before. Qualifying patterns are exported to
//	Genesis and marked promoted; a pattern whose export fails stays
//	unpromoted so a later run can retry. Promotion is idempotent: a
//	second run over the same state promotes nothing.
//
// # Outputs
//
//	int - The number of patterns promoted by this run.
//	error - The last export failure, if any patterns failed.
func (a *Aggregator) AggregateLearnings(ctx context.Context) (int, error) {
	a.mu.Lock()
	var candidates []Pattern
	for _, p := range a.patterns {
		if p.PromotedToGenesis {
			continue
		}
		if p.ConsensusScore < a.criteria.MinConsensusScore ||
			p.SuccessRate < a.criteria.MinSuccessRate ||
			len(p.SourceInstances) < a.criteria.MinInstances ||
			a.totalUsageLocked(p.PatternID) < a.criteria.MinUsageCount {
			continue
		}
		candidates = append(candidates, clonePattern(p))
	}
	a.mu.Unlock()

	promoted := 0
	var lastErr error
	for _, candidate := range candidates {
		if a.exporter != nil {
			if err := a.exporter.ExportPattern(ctx, candidate); err != nil {
				a.logger.Error("genesis export failed",
					"pattern_id", candidate.PatternID,
					"error", err.Error())
				lastErr = err
				continue
			}
		}
		a.mu.Lock()
		if p, ok := a.patterns[candidate.PatternID]; ok && !p.PromotedToGenesis {
			p.PromotedToGenesis = true
			promoted++
		}
		a.mu.Unlock()
		a.telemetry.PatternPromoted(ctx)
		a.logger.Info("pattern promoted",
			"pattern_id", candidate.PatternID,
			"name", candidate.Name,
			"consensus_score", candidate.ConsensusScore)
	}
	return promoted, lastErr
}

// GetPattern returns a copy of one pattern, following merge aliases.
func (a *Aggregator) GetPattern(patternID string) (Pattern, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.patterns[a.canonicalLocked(patternID)]
	if !ok {
		return Pattern{}, ErrPatternNotFound
	}
	return clonePattern(p), nil
}

// scheduleEmbedding computes a pattern's embedding off the intake path.
// The result re-enters through applyEmbedding.
func (a *Aggregator) scheduleEmbedding(patternID, name string, codePattern map[string]any) {
	// Embed the code body when present; the name alone is too sparse to
	// carry semantic-merge decisions.
	text := name
	if body, ok := codePattern["code"].(string); ok && body != "" {
		text = body
	}
	if err := a.pool.Submit("pattern_embedding", func(ctx context.Context) error {
		vector, err := a.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embed pattern %s: %w", patternID, err)
		}
		a.applyEmbedding(patternID, vector)
		return nil
	}); err != nil {
		a.logger.Warn("embedding deferred", "pattern_id", patternID, "error", err.Error())
	}
}

// applyEmbedding attaches a computed embedding and performs the semantic
// near-duplicate merge: a new pattern whose vector is close enough to an
// existing pattern of the same type is folded into it.
func (a *Aggregator) applyEmbedding(patternID string, vector []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.patterns[patternID]
	if !ok {
		return
	}
	p.Embedding = vector

	for otherID, other := range a.patterns {
		if otherID == patternID || other.PatternType != p.PatternType || other.Embedding == nil {
			continue
		}
		if semantic.Cosine(vector, other.Embedding) >= a.criteria.MergeSimilarity {
			a.mergeIntoLocked(otherID, patternID)
			return
		}
	}
}

// mergeReportLocked folds one instance report into an existing pattern
// and recomputes its derived scores. Caller holds a.mu.
func (a *Aggregator) mergeReportLocked(patternID, instanceID string, successRate float64) {
	p := a.patterns[patternID]
	if a.reports[patternID] == nil {
		a.reports[patternID] = make(map[string]float64)
	}
	if _, seen := a.reports[patternID][instanceID]; !seen {
		p.SourceInstances = append(p.SourceInstances, instanceID)
	}
	a.reports[patternID][instanceID] = successRate
	a.recomputeLocked(patternID)
}

// mergeIntoLocked folds the newer pattern into the older one: instance
// reports and usage move over, and the newer id becomes an alias.
// Caller holds a.mu.
func (a *Aggregator) mergeIntoLocked(canonicalID, mergedID string) {
	merged := a.patterns[mergedID]
	for instanceID, rate := range a.reports[mergedID] {
		canonical := a.patterns[canonicalID]
		if _, seen := a.reports[canonicalID][instanceID]; !seen {
			canonical.SourceInstances = append(canonical.SourceInstances, instanceID)
		}
		if a.reports[canonicalID] == nil {
			a.reports[canonicalID] = make(map[string]float64)
		}
		a.reports[canonicalID][instanceID] = rate
	}
	for instanceID, entry := range a.usage[mergedID] {
		if a.usage[canonicalID] == nil {
			a.usage[canonicalID] = make(map[string]*PatternUsage)
		}
		if existing, ok := a.usage[canonicalID][instanceID]; ok {
			existing.UsageCount += entry.UsageCount
		} else {
			entry.PatternID = canonicalID
			a.usage[canonicalID][instanceID] = entry
		}
	}
	delete(a.patterns, mergedID)
	delete(a.reports, mergedID)
	delete(a.usage, mergedID)
	delete(a.byKey, patternKey(merged.PatternType, merged.Name))
	a.aliases[mergedID] = canonicalID
	a.recomputeLocked(canonicalID)

	a.logger.Info("near-duplicate pattern merged",
		"merged_id", mergedID,
		"canonical_id", canonicalID)
}

// recomputeLocked refreshes a pattern's consensus score and success rate
// from its per-instance reports. Caller holds a.mu.
func (a *Aggregator) recomputeLocked(patternID string) {
	p, ok := a.patterns[patternID]
	if !ok {
		return
	}
	rates := make([]float64, 0, len(a.reports[patternID]))
	var sum float64
	for _, rate := range a.reports[patternID] {
		rates = append(rates, rate)
		sum += rate
	}
	if len(rates) > 0 {
		p.SuccessRate = sum / float64(len(rates))
	}
	p.ConsensusScore = consensusScore(rates)
}

func (a *Aggregator) totalUsageLocked(patternID string) int {
	total := 0
	for _, entry := range a.usage[patternID] {
		total += entry.UsageCount
	}
	return total
}

func (a *Aggregator) canonicalLocked(patternID string) string {
	for {
		next, ok := a.aliases[patternID]
		if !ok {
			return patternID
		}
		patternID = next
	}
}

func patternKey(patternType, name string) string {
	return patternType + "\x00" + name
}

func clonePattern(p *Pattern) Pattern {
	out := *p
	out.SourceInstances = append([]string(nil), p.SourceInstances...)
	out.Embedding = append([]float32(nil), p.Embedding...)
	return out
}
