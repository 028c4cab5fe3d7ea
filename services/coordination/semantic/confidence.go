// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package semantic

import (
	"context"
	"strings"
	"unicode"
)

// ConfidenceScorer derives a confidence value in [0,1] from a vote's
// stated reason. The score is a quality proxy: substantive, specific
// justification earns more weight in consensus math than a reflexive
// approval.
type ConfidenceScorer interface {
	Score(ctx context.Context, reason string) float64
}

// substanceMarkers are terms indicating the voter actually evaluated the
// change rather than rubber-stamping it.
var substanceMarkers = []string{
	"test", "benchmark", "metric", "regression", "verified",
	"staging", "rollback", "latency", "error rate", "coverage",
	"reviewed", "reproduce", "profil", "canary", "load",
}

// dismissiveMarkers cap the score when the reason is a contentless
// acknowledgement.
var dismissiveMarkers = []string{
	"lgtm", "looks good", "+1", "ship it", "why not", "sure",
}

// HeuristicConfidenceScorer scores reasons from surface features: length,
// substance markers, and numeric specificity. A model-backed scorer can
// replace it behind the same interface; consensus thresholds were tuned
// against this heuristic's output range.
type HeuristicConfidenceScorer struct{}

// Score rates a reason. Deterministic; identical input yields an
// identical score.
func (s *HeuristicConfidenceScorer) Score(ctx context.Context, reason string) float64 {
	trimmed := strings.TrimSpace(reason)
	lower := strings.ToLower(trimmed)
	if len(trimmed) < 10 {
		return 0
	}

	for _, marker := range dismissiveMarkers {
		if strings.Contains(lower, marker) && len(trimmed) < 40 {
			return 0.3
		}
	}

	score := 0.5

	// Longer justifications carry more signal, with diminishing returns.
	switch {
	case len(trimmed) >= 160:
		score += 0.2
	case len(trimmed) >= 80:
		score += 0.15
	case len(trimmed) >= 40:
		score += 0.1
	}

	matched := 0
	for _, marker := range substanceMarkers {
		if strings.Contains(lower, marker) {
			matched++
		}
	}
	if matched > 4 {
		matched = 4
	}
	score += float64(matched) * 0.05

	if containsDigit(trimmed) {
		score += 0.1 // concrete numbers suggest measured evidence
	}

	if score > 1 {
		score = 1
	}
	return score
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

var _ ConfidenceScorer = (*HeuristicConfidenceScorer)(nil)
