package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the log in process memory. It honors the same ordering
// and optimistic locking contract as PostgresStore and backs tests and
// single-node development runs.
type MemoryStore struct {
	mu          sync.Mutex
	events      []Event
	byAggregate map[string][]int
}

// NewMemoryStore constructs an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAggregate: make(map[string][]int)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(len(s.byAggregate[req.AggregateID]))
	if current != req.ExpectedVersion {
		return Event{}, &ConflictError{AggregateID: req.AggregateID, ExpectedVersion: req.ExpectedVersion, ActualVersion: current}
	}

	evt := Event{
		ID:               uuid.NewString(),
		AggregateID:      req.AggregateID,
		AggregateVersion: current + 1,
		GlobalSequence:   int64(len(s.events)) + 1,
		Type:             req.Type,
		Payload:          req.Payload,
		OccurredAt:       time.Now().UTC(),
	}
	s.events = append(s.events, evt)
	s.byAggregate[req.AggregateID] = append(s.byAggregate[req.AggregateID], len(s.events)-1)
	return evt, nil
}

// EventsFor implements Store.
func (s *MemoryStore) EventsFor(ctx context.Context, aggregateID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	indexes := s.byAggregate[aggregateID]
	events := make([]Event, 0, len(indexes))
	for _, i := range indexes {
		events = append(events, s.events[i])
	}
	return events, nil
}

// EventsSince implements Store.
func (s *MemoryStore) EventsSince(ctx context.Context, afterSeq int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(s.events)) {
		return nil, nil
	}
	tail := s.events[afterSeq:]
	events := make([]Event, len(tail))
	copy(events, tail)
	return events, nil
}
