// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fallback implements a priority-ordered strategy chain.
//
// A Chain tries registered strategies in ascending priority order until one
// produces a positive match. Strategies distinguish three outcomes:
//
//   - match: the chain stops and returns the strategy's result
//   - no match (ErrNoMatch): the chain moves on to the next strategy
//   - hard error (any other error): the chain stops and reports failure
//     without trying the remaining strategies
//
// A panicking strategy is treated as "no match, try next", not as a hard
// error; one misbehaving strategy must not block fallback to the rest of
// the chain. This intentionally differs from the consumer loop, where a
// panic converts to a retryable failure.
//
// The chain is used for rollback-strategy resolution in the guardian and
// for detector/learner chains (framework detection, infrastructure
// discovery) that layer template matching under model-backed discovery.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ErrNoMatch signals that a strategy has nothing to offer for this input
// and the chain should continue with the next strategy.
var ErrNoMatch = errors.New("no match")

// ErrExhausted is returned by Run when every strategy reported no match.
var ErrExhausted = errors.New("no strategy matched")

// Strategy is a single step in a fallback chain.
//
// Execute returns the strategy's result on a positive match, ErrNoMatch to
// pass to the next strategy, or any other error to abort the whole chain.
type Strategy[In, Out any] interface {
	// Name identifies the strategy in logs and results.
	Name() string

	// Priority orders strategies; lower values run first.
	Priority() int

	// Execute attempts to produce a result for the input.
	Execute(ctx context.Context, input In) (Out, error)
}

// SuccessRecorder is an optional extension for strategies that track their
// own hit rates. RecordSuccess is invoked after the strategy's Execute
// returned a positive match; failures in the recorder are logged and
// otherwise ignored.
type SuccessRecorder[In, Out any] interface {
	RecordSuccess(ctx context.Context, input In, result Out)
}

// Result carries the matched value and the strategy that produced it.
type Result[Out any] struct {
	Value    Out
	Strategy string
}

// Chain executes strategies in ascending priority order.
//
// # Thread Safety
//
// A Chain is immutable after construction and safe for concurrent use,
// provided the registered strategies are.
type Chain[In, Out any] struct {
	strategies []Strategy[In, Out]
	logger     *slog.Logger
}

// NewChain builds a chain from the given strategies, sorted by priority.
//
// # Inputs
//
//   - logger: Destination for per-strategy diagnostics. Must not be nil.
//   - strategies: At least one strategy.
//
// # Outputs
//
//   - *Chain: Ready to run.
//   - error: Non-nil if no strategies were supplied.
func NewChain[In, Out any](logger *slog.Logger, strategies ...Strategy[In, Out]) (*Chain[In, Out], error) {
	if len(strategies) == 0 {
		return nil, errors.New("at least one strategy is required")
	}
	ordered := make([]Strategy[In, Out], len(strategies))
	copy(ordered, strategies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	return &Chain[In, Out]{strategies: ordered, logger: logger}, nil
}

// Run tries each strategy in priority order until one matches.
//
// # Outputs
//
//   - Result[Out]: The matched value and the name of the matching strategy.
//   - error: ErrExhausted if every strategy reported no match; the
//     strategy's error verbatim (wrapped) on a hard failure.
func (c *Chain[In, Out]) Run(ctx context.Context, input In) (Result[Out], error) {
	var zero Result[Out]
	for _, strategy := range c.strategies {
		out, err := c.execute(ctx, strategy, input)
		switch {
		case err == nil:
			if recorder, ok := strategy.(SuccessRecorder[In, Out]); ok {
				c.recordSuccess(ctx, strategy.Name(), recorder, input, out)
			}
			return Result[Out]{Value: out, Strategy: strategy.Name()}, nil
		case errors.Is(err, ErrNoMatch):
			c.logger.Debug("fallback strategy passed", "strategy", strategy.Name())
			continue
		default:
			c.logger.Warn("fallback chain aborted",
				"strategy", strategy.Name(),
				"error", err.Error())
			return zero, fmt.Errorf("strategy %s: %w", strategy.Name(), err)
		}
	}
	return zero, ErrExhausted
}

// execute invokes one strategy with a panic boundary. A panic degrades to
// ErrNoMatch so the chain can continue.
func (c *Chain[In, Out]) execute(ctx context.Context, strategy Strategy[In, Out], input In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("fallback strategy panicked, skipping",
				"strategy", strategy.Name(),
				"panic", fmt.Sprint(r))
			err = ErrNoMatch
		}
	}()
	return strategy.Execute(ctx, input)
}

func (c *Chain[In, Out]) recordSuccess(ctx context.Context, name string, recorder SuccessRecorder[In, Out], input In, out Out) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("success recorder panicked", "strategy", name, "panic", fmt.Sprint(r))
		}
	}()
	recorder.RecordSuccess(ctx, input, out)
}
