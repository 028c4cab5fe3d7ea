// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guardian

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/SingularityHQ/centralcloud/pkg/fallback"
)

// ErrNoStrategyLearned is returned when no rollback strategy can be
// resolved for a change type.
var ErrNoStrategyLearned = errors.New("no rollback strategy learned")

// RollbackStep is one ordered action inside a rollback strategy.
type RollbackStep struct {
	Action string `json:"action"`
	Target string `json:"target"`
}

// RollbackStrategy describes how to revert changes of one type.
type RollbackStrategy struct {
	ChangeType                 string         `json:"change_type"`
	Steps                      []RollbackStep `json:"steps"`
	EstimatedDurationSec       int            `json:"estimated_duration_sec"`
	RequiresManualIntervention bool           `json:"requires_manual_intervention"`
	SuccessRate                float64        `json:"success_rate"`
	LearnedFromCount           int            `json:"learned_from_count"`
}

// emaAlpha weights new rollback outcomes when updating a learned
// strategy's success rate.
const emaAlpha = 0.2

// StrategyStore holds rollback strategies learned from historical
// rollback outcomes, keyed by change type.
//
// # Thread Safety
//
// Safe for concurrent use.
type StrategyStore struct {
	mu     sync.RWMutex
	byType map[string]RollbackStrategy
}

// NewStrategyStore returns an empty store.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{byType: make(map[string]RollbackStrategy)}
}

// Get returns the learned strategy for a change type, if any.
func (s *StrategyStore) Get(changeType string) (RollbackStrategy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	strategy, ok := s.byType[changeType]
	return strategy, ok
}

// Learn seeds or replaces the strategy for a change type.
func (s *StrategyStore) Learn(strategy RollbackStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byType[strategy.ChangeType] = strategy
}

// RecordOutcome folds one rollback result into the learned strategy's
// success rate using an exponential moving average. Outcomes for types
// with no learned strategy seed one from the executed strategy.
func (s *StrategyStore) RecordOutcome(changeType string, executed RollbackStrategy, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	observed := 0.0
	if succeeded {
		observed = 1.0
	}
	strategy, ok := s.byType[changeType]
	if !ok {
		strategy = executed
		strategy.ChangeType = changeType
		strategy.SuccessRate = observed
		strategy.LearnedFromCount = 1
		s.byType[changeType] = strategy
		return
	}
	strategy.SuccessRate = (1-emaAlpha)*strategy.SuccessRate + emaAlpha*observed
	strategy.LearnedFromCount++
	s.byType[changeType] = strategy
}

// learnedResolver serves strategies from the store; it passes when
// nothing has been learned for the type yet.
type learnedResolver struct {
	store *StrategyStore
}

func (r *learnedResolver) Name() string  { return "learned" }
func (r *learnedResolver) Priority() int { return 0 }

func (r *learnedResolver) Execute(_ context.Context, changeType string) (RollbackStrategy, error) {
	strategy, ok := r.store.Get(changeType)
	if !ok {
		return RollbackStrategy{}, fallback.ErrNoMatch
	}
	return strategy, nil
}

// defaultResolver always matches, returning the conservative full-revert
// strategy. It runs last in the chain.
type defaultResolver struct{}

func (r *defaultResolver) Name() string  { return "conservative_default" }
func (r *defaultResolver) Priority() int { return 100 }

func (r *defaultResolver) Execute(_ context.Context, changeType string) (RollbackStrategy, error) {
	return RollbackStrategy{
		ChangeType: changeType,
		Steps: []RollbackStep{
			{Action: "revert_code", Target: "all"},
			{Action: "restart_agent", Target: "agent_process"},
		},
		EstimatedDurationSec:       300,
		RequiresManualIntervention: true,
	}, nil
}

// NewStrategyChain builds the rollback-strategy resolution chain: learned
// strategies first, the conservative default as the terminal fallback.
func NewStrategyChain(store *StrategyStore, logger *slog.Logger) (*fallback.Chain[string, RollbackStrategy], error) {
	return fallback.NewChain[string, RollbackStrategy](logger,
		&learnedResolver{store: store},
		&defaultResolver{},
	)
}
