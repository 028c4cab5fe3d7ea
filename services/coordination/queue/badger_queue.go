// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// record is the stored form of a queue entry.
type record struct {
	EnqueuedAt time.Time `json:"enqueued_at"`
	VisibleAt  time.Time `json:"visible_at"`
	Attempts   int       `json:"attempts"`
	Payload    []byte    `json:"payload"`
}

// BadgerConfig configures the embedded queue substrate.
type BadgerConfig struct {
	// Path is the directory for queue data. Ignored when InMemory is true.
	Path string

	// InMemory runs the queue without disk persistence (tests).
	InMemory bool

	// VisibilityTimeout is how long a read message stays in flight before
	// becoming redeliverable. Default: DefaultVisibilityTimeout.
	VisibilityTimeout time.Duration

	// SyncWrites forces fsync on every commit. Default true for durability;
	// tests disable it.
	SyncWrites bool

	// Logger receives substrate diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// BadgerQueue is a durable, at-least-once queue on embedded BadgerDB.
//
// # Description
//
// Each message is a single key "m:{queue}:{seq}" holding enqueue time,
// visible-at deadline, attempt count, and payload. Read scans the queue
// prefix inside a read-write transaction, skips entries still in flight,
// and pushes the visible-at deadline forward for everything it returns —
// the scan and the in-flight marking commit atomically, so two concurrent
// readers conflict on the same keys and one of them retries, which is what
// prevents duplicate concurrent delivery.
//
// # Thread Safety
//
// Safe for concurrent use. Transaction conflicts are retried internally.
type BadgerQueue struct {
	db      *badger.DB
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	seqs   map[string]*badger.Sequence
	closed bool

	// now is swappable for tests.
	now func() time.Time
}

// NewBadgerQueue opens the queue substrate.
//
// # Inputs
//
//   - cfg: Substrate configuration. Path is required unless InMemory.
//
// # Outputs
//
//   - *BadgerQueue: Open substrate. Call Close when done.
//   - error: Non-nil if the database cannot be opened.
func NewBadgerQueue(cfg BadgerConfig) (*BadgerQueue, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent queue")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	return &BadgerQueue{
		db:      db,
		timeout: cfg.VisibilityTimeout,
		logger:  cfg.Logger.With("component", "badger_queue"),
		seqs:    make(map[string]*badger.Sequence),
		now:     time.Now,
	}, nil
}

// Close releases sequences and closes the database.
func (q *BadgerQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, seq := range q.seqs {
		_ = seq.Release()
	}
	return q.db.Close()
}

// VisibilityTimeout returns the configured in-flight window.
func (q *BadgerQueue) VisibilityTimeout() time.Duration {
	return q.timeout
}

// Enqueue appends a payload, immediately visible.
func (q *BadgerQueue) Enqueue(ctx context.Context, queue string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	seq, err := q.nextSeq(queue)
	if err != nil {
		return "", err
	}
	msgID := fmt.Sprintf("%020d", seq)
	now := q.now().UTC()
	rec := record{EnqueuedAt: now, VisibleAt: now, Payload: payload}
	value, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode queue record: %w", err)
	}

	err = q.update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(queue, msgID), value)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", queue, err)
	}
	return msgID, nil
}

// Read returns up to batch visible messages and marks them in flight.
func (q *BadgerQueue) Read(ctx context.Context, queue string, batch int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batch <= 0 {
		batch = 1
	}

	var out []Message
	err := q.update(func(txn *badger.Txn) error {
		out = out[:0]
		now := q.now().UTC()
		prefix := queuePrefix(queue)

		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid() && len(out) < batch; it.Next() {
			item := it.Item()
			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode queue record: %w", err)
			}
			if rec.VisibleAt.After(now) {
				continue // in flight under another reader
			}

			rec.VisibleAt = now.Add(q.timeout)
			rec.Attempts++
			value, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode queue record: %w", err)
			}
			key := append([]byte(nil), item.Key()...)
			if err := txn.Set(key, value); err != nil {
				return err
			}

			out = append(out, Message{
				ID:         string(key[len(prefix):]),
				Queue:      queue,
				EnqueuedAt: rec.EnqueuedAt,
				Attempts:   rec.Attempts,
				Payload:    rec.Payload,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", queue, err)
	}
	return out, nil
}

// Ack permanently deletes a message.
func (q *BadgerQueue) Ack(ctx context.Context, queue, msgID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := q.update(func(txn *badger.Txn) error {
		key := messageKey(queue, msgID)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMessageNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("ack %s/%s: %w", queue, msgID, err)
	}
	return nil
}

// Requeue makes a message redeliverable after delay.
func (q *BadgerQueue) Requeue(ctx context.Context, queue, msgID string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := q.update(func(txn *badger.Txn) error {
		key := messageKey(queue, msgID)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMessageNotFound
		} else if err != nil {
			return err
		}
		var rec record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("decode queue record: %w", err)
		}
		rec.VisibleAt = q.now().UTC().Add(delay)
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode queue record: %w", err)
		}
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("requeue %s/%s: %w", queue, msgID, err)
	}
	return nil
}

// Depth returns the number of stored messages (visible or in flight) on a
// queue. Used by tests and the health endpoint.
func (q *BadgerQueue) Depth(ctx context.Context, queue string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         queuePrefix(queue),
			PrefetchValues: false,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// update runs a read-write transaction, retrying on conflict. Concurrent
// readers marking the same messages in flight conflict by design.
func (q *BadgerQueue) update(fn func(txn *badger.Txn) error) error {
	for {
		err := q.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

func (q *BadgerQueue) nextSeq(queue string) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrSubstrateClosed
	}
	seq, ok := q.seqs[queue]
	if !ok {
		var err error
		seq, err = q.db.GetSequence(seqKey(queue), 64)
		if err != nil {
			return 0, fmt.Errorf("acquire sequence for %s: %w", queue, err)
		}
		q.seqs[queue] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", queue, err)
	}
	// Sequence 0 collides with the zero-padded id of a fresh database on
	// recovery; offset by one so ids start at 1.
	return n + 1, nil
}

func queuePrefix(queue string) []byte {
	return []byte("m:" + queue + ":")
}

func messageKey(queue, msgID string) []byte {
	return append(queuePrefix(queue), msgID...)
}

func seqKey(queue string) []byte {
	return []byte("s:" + queue)
}

var _ Substrate = (*BadgerQueue)(nil)
