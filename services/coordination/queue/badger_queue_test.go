// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *BadgerQueue {
	t.Helper()
	q, err := NewBadgerQueue(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueReadAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msgID, err := q.Enqueue(ctx, "test", []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	msgs, err := q.Read(ctx, "test", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msgID, msgs[0].ID)
	assert.Equal(t, []byte(`{"n":1}`), msgs[0].Payload)
	assert.Equal(t, 1, msgs[0].Attempts)

	require.NoError(t, q.Ack(ctx, "test", msgID))

	depth, err := q.Depth(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestReadExcludesInFlight(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, "test", []byte(`{}`))
	require.NoError(t, err)

	first, err := q.Read(ctx, "test", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// While in flight under the visibility timeout, the message must not
	// be delivered to a second reader.
	second, err := q.Read(ctx, "test", 10)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestUnackedMessageRedeliveredAfterTimeout(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, "test", []byte(`{}`))
	require.NoError(t, err)

	_, err = q.Read(ctx, "test", 10)
	require.NoError(t, err)

	// Move the clock past the visibility window.
	q.now = func() time.Time { return time.Now().Add(q.timeout + time.Second) }

	msgs, err := q.Read(ctx, "test", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].Attempts, "redelivery increments attempts")
}

func TestRequeueDelaysRedelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msgID, err := q.Enqueue(ctx, "test", []byte(`{}`))
	require.NoError(t, err)

	_, err = q.Read(ctx, "test", 10)
	require.NoError(t, err)

	require.NoError(t, q.Requeue(ctx, "test", msgID, 30*time.Second))

	msgs, err := q.Read(ctx, "test", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "requeued message still hidden")

	q.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	msgs, err = q.Read(ctx, "test", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "requeued message visible after delay")
}

func TestAckUnknownMessage(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	err := q.Ack(ctx, "test", "00000000000000000099")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	err = q.Requeue(ctx, "test", "00000000000000000099", time.Second)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestQueuesAreIndependent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, "one", []byte(`{"q":"one"}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "two", []byte(`{"q":"two"}`))
	require.NoError(t, err)

	msgs, err := q.Read(ctx, "one", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", msgs[0].Queue)

	depth, err := q.Depth(ctx, "two")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestReadBatchLimit(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "test", []byte(`{}`))
		require.NoError(t, err)
	}

	msgs, err := q.Read(ctx, "test", 3)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestFIFOOrdering(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	first, err := q.Enqueue(ctx, "test", []byte(`{"n":1}`))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "test", []byte(`{"n":2}`))
	require.NoError(t, err)

	msgs, err := q.Read(ctx, "test", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first, msgs[0].ID)
	assert.Equal(t, second, msgs[1].ID)
}

func TestCloseIsIdempotent(t *testing.T) {
	q, err := NewBadgerQueue(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err = q.Enqueue(context.Background(), "test", []byte(`{}`))
	assert.ErrorIs(t, err, ErrSubstrateClosed)
}
