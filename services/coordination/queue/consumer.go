// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultMaxAttempts is how many deliveries a message gets before it is
// dead-lettered instead of requeued.
const DefaultMaxAttempts = 5

// permanentError marks a failure that retrying cannot fix (malformed
// payload, impossible precondition). The consumer moves such messages to
// the dead-letter queue instead of requeuing them forever.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the consumer dead-letters instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Handler processes one decoded message. A nil return acks the message;
// a Permanent error dead-letters it; any other error requeues it with
// the retry backoff.
type Handler func(ctx context.Context, msg Message) error

// ConsumerMetrics receives per-message accounting. Implemented by the
// telemetry package; a nil value disables instrumentation.
type ConsumerMetrics interface {
	// MessageProcessed counts one message with its outcome:
	// "acked", "requeued", "dead_lettered".
	MessageProcessed(ctx context.Context, queue, outcome string)

	// HandlerDuration records handler latency in seconds.
	HandlerDuration(ctx context.Context, queue string, seconds float64)
}

// ConsumerConfig configures one polling consumer.
type ConsumerConfig struct {
	// Queue is the logical queue name to consume. Required.
	Queue string

	// Handler processes each message. Required.
	Handler Handler

	// PollInterval is the delay between batch reads. Default 1s; the
	// rollback egress consumer runs with the configured tight interval.
	PollInterval time.Duration

	// BatchSize is the maximum messages per read. Default 10.
	BatchSize int

	// RetryBackoff is the requeue delay on failure. Default
	// DefaultVisibilityTimeout (60s).
	RetryBackoff time.Duration

	// MaxAttempts dead-letters a message after this many deliveries.
	// Default DefaultMaxAttempts.
	MaxAttempts int

	// Logger receives consumer diagnostics. Default slog.Default().
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics ConsumerMetrics
}

// Consumer is an independent polling loop over one queue.
//
// # Description
//
// Each tick reads a batch of visible messages and dispatches them to the
// handler one at a time. Success acks; an ordinary error requeues with
// the retry backoff; a panic inside the handler is recovered and treated
// exactly like a retryable failure, so a crashing handler can never drop
// a message silently. Messages that exhaust MaxAttempts, and messages
// whose handler returned a Permanent error, move to "{queue}.dlq".
//
// Consumers on different queues are fully independent: a wedged handler
// on one queue never blocks another.
//
// # Thread Safety
//
// Run is meant to be called once per Consumer, typically inside an
// errgroup. Internal state is confined to that goroutine.
type Consumer struct {
	cfg    ConsumerConfig
	sub    Substrate
	logger *slog.Logger
}

// NewConsumer builds a consumer over the substrate.
func NewConsumer(sub Substrate, cfg ConsumerConfig) (*Consumer, error) {
	if sub == nil {
		return nil, errors.New("substrate must not be nil")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue name is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultVisibilityTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		sub:    sub,
		logger: cfg.Logger.With("component", "consumer", "queue", cfg.Queue),
	}, nil
}

// Run polls until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.logger.Info("consumer started",
		"poll_interval", c.cfg.PollInterval.String(),
		"batch_size", c.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped")
			return ctx.Err()
		case <-ticker.C:
			c.drainOnce(ctx)
		}
	}
}

// drainOnce reads and dispatches a single batch. Read errors are logged
// and retried on the next tick.
func (c *Consumer) drainOnce(ctx context.Context) {
	msgs, err := c.sub.Read(ctx, c.cfg.Queue, c.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("batch read failed", "error", err.Error())
		}
		return
	}
	for _, msg := range msgs {
		c.dispatch(ctx, msg)
	}
}

// dispatch runs the handler for one message and settles it.
func (c *Consumer) dispatch(ctx context.Context, msg Message) {
	start := time.Now()
	err := c.invoke(ctx, msg)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.HandlerDuration(ctx, c.cfg.Queue, time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		if ackErr := c.sub.Ack(ctx, c.cfg.Queue, msg.ID); ackErr != nil {
			// The message will be redelivered; handlers are idempotent.
			c.logger.Error("ack failed", "msg_id", msg.ID, "error", ackErr.Error())
			return
		}
		c.count(ctx, "acked")

	case IsPermanent(err):
		c.logger.Warn("dead-lettering malformed message",
			"msg_id", msg.ID,
			"attempts", msg.Attempts,
			"error", err.Error())
		c.deadLetter(ctx, msg)

	case msg.Attempts >= c.cfg.MaxAttempts:
		c.logger.Warn("dead-lettering message after max attempts",
			"msg_id", msg.ID,
			"attempts", msg.Attempts,
			"error", err.Error())
		c.deadLetter(ctx, msg)

	default:
		c.logger.Warn("handler failed, requeueing",
			"msg_id", msg.ID,
			"attempts", msg.Attempts,
			"backoff", c.cfg.RetryBackoff.String(),
			"error", err.Error())
		if reqErr := c.sub.Requeue(ctx, c.cfg.Queue, msg.ID, c.cfg.RetryBackoff); reqErr != nil {
			c.logger.Error("requeue failed", "msg_id", msg.ID, "error", reqErr.Error())
			return
		}
		c.count(ctx, "requeued")
	}
}

// invoke calls the handler with a panic boundary. A panic converts to a
// retryable error — never a silent drop.
func (c *Consumer) invoke(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				"msg_id", msg.ID,
				"panic", fmt.Sprint(r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.cfg.Handler(ctx, msg)
}

// deadLetter copies the message onto the DLQ then acks the original.
func (c *Consumer) deadLetter(ctx context.Context, msg Message) {
	dlq := c.cfg.Queue + DeadLetterSuffix
	if _, err := c.sub.Enqueue(ctx, dlq, msg.Payload); err != nil {
		// Leave the original in place; it will be retried and
		// dead-lettered again once the substrate recovers.
		c.logger.Error("dead-letter enqueue failed", "msg_id", msg.ID, "error", err.Error())
		return
	}
	if err := c.sub.Ack(ctx, c.cfg.Queue, msg.ID); err != nil {
		c.logger.Error("dead-letter ack failed", "msg_id", msg.ID, "error", err.Error())
		return
	}
	c.count(ctx, "dead_lettered")
}

func (c *Consumer) count(ctx context.Context, outcome string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.MessageProcessed(ctx, c.cfg.Queue, outcome)
	}
}
