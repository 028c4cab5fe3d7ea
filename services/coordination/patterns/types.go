// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patterns

import (
	"math"
	"time"
)

// Pattern types.
const (
	TypeFramework           = "framework"
	TypeTechnology          = "technology"
	TypeServiceArchitecture = "service_architecture"
	TypeCodeTemplate        = "code_template"
	TypeErrorHandling       = "error_handling"
)

// Pattern is one cross-instance discovery. SourceInstances grows by set
// union as more instances report; ConsensusScore and SuccessRate are
// recomputed from the accumulated per-instance reports.
type Pattern struct {
	PatternID         string
	PatternType       string
	Name              string
	CodePattern       map[string]any
	SourceInstances   []string
	ConsensusScore    float64
	SuccessRate       float64
	PromotedToGenesis bool
	Embedding         []float32
	FirstReportedAt   time.Time
}

// PatternUsage tracks one instance's use of a pattern, unique per
// (pattern, instance). UsageCount accumulates on repeated use.
type PatternUsage struct {
	PatternID   string
	InstanceID  string
	SuccessRate float64
	UsageCount  int
	LastUsedAt  time.Time
}

// Suggestion is one ranked pattern recommendation.
type Suggestion struct {
	PatternID   string
	Name        string
	PatternType string
	Similarity  float64
	SuccessRate float64

	// Score is similarity x success rate; suggestions are ordered by it.
	Score float64
}

// Criteria holds promotion thresholds and query limits.
type Criteria struct {
	MinConsensusScore float64 `yaml:"min_consensus_score"`
	MinSuccessRate    float64 `yaml:"min_success_rate"`
	MinInstances      int     `yaml:"min_instances"`
	MinUsageCount     int     `yaml:"min_usage_count"`
	SuggestLimit      int     `yaml:"suggest_limit"`
	MergeSimilarity   float64 `yaml:"merge_similarity"`
}

// DefaultCriteria returns the fleet promotion defaults.
func DefaultCriteria() Criteria {
	return Criteria{
		MinConsensusScore: 0.95,
		MinSuccessRate:    0.95,
		MinInstances:      3,
		MinUsageCount:     100,
		SuggestLimit:      5,
		MergeSimilarity:   0.92,
	}
}

// QueryOptions filter a consensus-pattern query.
type QueryOptions struct {
	Threshold    float64
	MinInstances int
	Limit        int
}

// DefaultQueryOptions returns the standard consensus-pattern filter.
func DefaultQueryOptions() QueryOptions {
	return QueryOptions{Threshold: 0.95, MinInstances: 3, Limit: 10}
}

// compatibleTypes maps a change type onto the pattern types worth
// suggesting for it.
var compatibleTypes = map[string][]string{
	"pattern_enhancement": {TypeFramework, TypeCodeTemplate},
	"model_optimization":  {TypeTechnology, TypeServiceArchitecture},
	"cache_improvement":   {TypeTechnology, TypeServiceArchitecture},
	"code_refactoring":    {TypeCodeTemplate, TypeErrorHandling},
}

// validPatternTypes guards pattern intake.
var validPatternTypes = map[string]bool{
	TypeFramework:           true,
	TypeTechnology:          true,
	TypeServiceArchitecture: true,
	TypeCodeTemplate:        true,
	TypeErrorHandling:       true,
}

// consensusScore expresses cross-instance agreement over per-instance
// success rates: 1 - min(1, 2*stddev). A single reporting instance is
// damped to 0.5 because one report cannot demonstrate agreement.
func consensusScore(successRates []float64) float64 {
	n := len(successRates)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return 0.5
	}
	var sum float64
	for _, r := range successRates {
		sum += r
	}
	mean := sum / float64(n)
	var variance float64
	for _, r := range successRates {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(n)
	spread := 2 * math.Sqrt(variance)
	if spread > 1 {
		spread = 1
	}
	return 1 - spread
}
