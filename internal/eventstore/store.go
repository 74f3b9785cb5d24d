package eventstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrConcurrencyConflict indicates an append lost an optimistic locking race.
// Callers should refetch the current version and retry.
var ErrConcurrencyConflict = errors.New("eventstore: concurrency conflict")

// ConflictError carries the versions involved in a failed optimistic append.
type ConflictError struct {
	AggregateID     string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventstore: aggregate %s at version %d, append expected %d",
		e.AggregateID, e.ActualVersion, e.ExpectedVersion)
}

// Is makes errors.Is(err, ErrConcurrencyConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// Store is the only write path into the event log. Appended events are
// durable before any subscriber observes them.
type Store interface {
	// Append persists one event, assigning the next aggregate version and the
	// next global sequence. Returns a ConflictError when ExpectedVersion does
	// not match the aggregate's current highest version.
	Append(ctx context.Context, req AppendRequest) (Event, error)
	// EventsFor returns the aggregate's events in ascending version order,
	// gapless from version 1.
	EventsFor(ctx context.Context, aggregateID string) ([]Event, error)
	// EventsSince returns events with global sequence greater than afterSeq,
	// in ascending global order. EventsSince(ctx, 0) replays the full log.
	EventsSince(ctx context.Context, afterSeq int64) ([]Event, error)
}
