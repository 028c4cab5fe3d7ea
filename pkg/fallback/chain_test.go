// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fallback

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStrategy is a configurable test strategy.
type stubStrategy struct {
	name     string
	priority int
	out      string
	err      error
	panics   bool

	calls    int
	recorded int
}

func (s *stubStrategy) Name() string  { return s.name }
func (s *stubStrategy) Priority() int { return s.priority }

func (s *stubStrategy) Execute(ctx context.Context, input string) (string, error) {
	s.calls++
	if s.panics {
		panic("strategy blew up")
	}
	return s.out, s.err
}

func (s *stubStrategy) RecordSuccess(ctx context.Context, input, result string) {
	s.recorded++
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNewChainRequiresStrategies(t *testing.T) {
	_, err := NewChain[string, string](testLogger())
	assert.Error(t, err)
}

func TestRunFirstMatchShortCircuits(t *testing.T) {
	first := &stubStrategy{name: "first", priority: 1, out: "hit"}
	second := &stubStrategy{name: "second", priority: 2, out: "unused"}

	chain, err := NewChain[string, string](testLogger(), first, second)
	require.NoError(t, err)

	result, err := chain.Run(context.Background(), "input")
	require.NoError(t, err)
	assert.Equal(t, "hit", result.Value)
	assert.Equal(t, "first", result.Strategy)
	assert.Equal(t, 0, second.calls)
	assert.Equal(t, 1, first.recorded, "record_success fires on match")
}

func TestRunOrdersByPriority(t *testing.T) {
	low := &stubStrategy{name: "low", priority: 10, out: "low"}
	high := &stubStrategy{name: "high", priority: 1, out: "high"}

	chain, err := NewChain[string, string](testLogger(), low, high)
	require.NoError(t, err)

	result, err := chain.Run(context.Background(), "input")
	require.NoError(t, err)
	assert.Equal(t, "high", result.Strategy)
}

func TestRunNoMatchContinues(t *testing.T) {
	first := &stubStrategy{name: "first", priority: 1, err: ErrNoMatch}
	second := &stubStrategy{name: "second", priority: 2, out: "hit"}

	chain, err := NewChain[string, string](testLogger(), first, second)
	require.NoError(t, err)

	result, err := chain.Run(context.Background(), "input")
	require.NoError(t, err)
	assert.Equal(t, "second", result.Strategy)
}

func TestRunPanicDegradesToNoMatch(t *testing.T) {
	first := &stubStrategy{name: "first", priority: 1, err: ErrNoMatch}
	second := &stubStrategy{name: "second", priority: 2, panics: true}
	third := &stubStrategy{name: "third", priority: 3, out: "hit"}

	chain, err := NewChain[string, string](testLogger(), first, second, third)
	require.NoError(t, err)

	result, err := chain.Run(context.Background(), "input")
	require.NoError(t, err)
	assert.Equal(t, "third", result.Strategy)
	assert.Equal(t, 1, second.calls, "panicking strategy was attempted")
}

func TestRunHardErrorStopsChain(t *testing.T) {
	hardErr := errors.New("backend unreachable")
	first := &stubStrategy{name: "first", priority: 1, err: ErrNoMatch}
	second := &stubStrategy{name: "second", priority: 2, err: hardErr}
	third := &stubStrategy{name: "third", priority: 3, out: "unreached"}

	chain, err := NewChain[string, string](testLogger(), first, second, third)
	require.NoError(t, err)

	_, err = chain.Run(context.Background(), "input")
	require.Error(t, err)
	assert.ErrorIs(t, err, hardErr)
	assert.Equal(t, 0, third.calls, "hard error short-circuits the rest")
}

func TestRunAllNoMatchReturnsExhausted(t *testing.T) {
	first := &stubStrategy{name: "first", priority: 1, err: ErrNoMatch}
	second := &stubStrategy{name: "second", priority: 2, err: ErrNoMatch}

	chain, err := NewChain[string, string](testLogger(), first, second)
	require.NoError(t, err)

	_, err = chain.Run(context.Background(), "input")
	assert.ErrorIs(t, err, ErrExhausted)
}
