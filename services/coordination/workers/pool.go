// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package workers provides the bounded background pool for fire-and-forget
// engine work: rollback execution, embedding computation, consensus-score
// recompute. Engines submit closures whose results re-enter the engine
// through its own serialized entry points, so the pool never touches
// engine state directly and idempotency guards apply uniformly.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Task is one unit of background work. The context is the pool's run
// context; tasks should return promptly once it is cancelled.
type Task func(ctx context.Context) error

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// ErrPoolSaturated is returned when the submission buffer is full. The
// caller decides whether dropping the task is acceptable; engine callers
// log and continue, since redelivery of the originating queue message
// re-submits the work.
var ErrPoolSaturated = errors.New("worker pool queue is full")

type job struct {
	name string
	task Task
}

// Pool runs tasks on a fixed set of workers with a bounded buffer.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pool struct {
	jobs   chan job
	logger *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewPool starts a pool with the given worker count and buffer capacity.
//
// # Inputs
//
//   - workers: Concurrent task executors. Default 4.
//   - capacity: Buffered submissions before Submit fails. Default 64.
//   - logger: Task outcome logging. Default slog.Default().
func NewPool(workers, capacity int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if capacity <= 0 {
		capacity = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan job, capacity),
		logger: logger.With("component", "worker_pool"),
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	return p
}

// Submit queues a task for background execution.
//
// # Outputs
//
//   - error: ErrPoolClosed after Close, ErrPoolSaturated when the buffer
//     is full; nil otherwise.
func (p *Pool) Submit(name string, task Task) error {
	if task == nil {
		return errors.New("task must not be nil")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job{name: name, task: task}:
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return ErrPoolSaturated
	}
}

// Close stops accepting tasks, lets queued tasks drain, and waits for the
// workers to finish. Safe to call once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.execute(ctx, j)
	}
}

// execute runs one task with a panic boundary; a panicked task is logged
// and must not take down its worker.
func (p *Pool) execute(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked",
				"task", j.name,
				"panic", fmt.Sprint(r))
		}
	}()
	if err := j.task(ctx); err != nil {
		p.logger.Warn("background task failed", "task", j.name, "error", err.Error())
		return
	}
	p.logger.Debug("background task completed", "task", j.name)
}
