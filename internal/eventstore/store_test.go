package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendOrFail(t *testing.T, store Store, aggregateID string, expected int64) Event {
	t.Helper()
	evt, err := store.Append(context.Background(), AppendRequest{
		AggregateID:     aggregateID,
		ExpectedVersion: expected,
		Type:            "test.changed",
		Payload:         json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)
	return evt
}

func TestAppendAssignsMonotonicVersions(t *testing.T) {
	store := NewMemoryStore()

	for i := int64(0); i < 5; i++ {
		evt := appendOrFail(t, store, "opp-1", i)
		assert.Equal(t, i+1, evt.AggregateVersion)
	}
	appendOrFail(t, store, "opp-2", 0)

	events, err := store.EventsFor(context.Background(), "opp-1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.AggregateVersion, "versions must be gapless from 1")
		assert.Equal(t, "opp-1", evt.AggregateID)
	}
}

func TestAppendConflictOnStaleVersion(t *testing.T) {
	store := NewMemoryStore()
	appendOrFail(t, store, "opp-1", 0)
	appendOrFail(t, store, "opp-1", 1)

	_, err := store.Append(context.Background(), AppendRequest{
		AggregateID:     "opp-1",
		ExpectedVersion: 1,
		Type:            "test.changed",
		Payload:         json.RawMessage(`{}`),
	})
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(2), conflict.ActualVersion)
	assert.Equal(t, int64(1), conflict.ExpectedVersion)

	events, err := store.EventsFor(context.Background(), "opp-1")
	require.NoError(t, err)
	assert.Len(t, events, 2, "a conflicting append must not create an event")
}

func TestConcurrentAppendsExactlyOneWins(t *testing.T) {
	store := NewMemoryStore()
	appendOrFail(t, store, "opp-1", 0)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Append(context.Background(), AppendRequest{
				AggregateID:     "opp-1",
				ExpectedVersion: 1,
				Type:            "test.changed",
				Payload:         json.RawMessage(`{}`),
			})
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrConcurrencyConflict):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, writers-1, lost)
}

func TestEventsSinceReturnsGlobalOrder(t *testing.T) {
	store := NewMemoryStore()
	appendOrFail(t, store, "a", 0)
	appendOrFail(t, store, "b", 0)
	appendOrFail(t, store, "a", 1)
	appendOrFail(t, store, "c", 0)

	all, err := store.EventsSince(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, evt := range all {
		assert.Equal(t, int64(i+1), evt.GlobalSequence)
	}

	tail, err := store.EventsSince(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(3), tail[0].GlobalSequence)

	empty, err := store.EventsSince(context.Background(), 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
