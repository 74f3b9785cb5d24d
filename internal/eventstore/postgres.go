package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresStore persists events in the events table. Optimistic locking is
// enforced twice: by the in-transaction version check and by the
// UNIQUE(aggregate_id, aggregate_version) constraint for races that slip
// between concurrent transactions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	evt := Event{
		ID:               uuid.NewString(),
		AggregateID:      req.AggregateID,
		AggregateVersion: req.ExpectedVersion + 1,
		Type:             req.Type,
		Payload:          req.Payload,
		OccurredAt:       time.Now().UTC(),
	}

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var current int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = $1`,
			req.AggregateID,
		).Scan(&current); err != nil {
			return fmt.Errorf("eventstore: read current version: %w", err)
		}
		if current != req.ExpectedVersion {
			return &ConflictError{AggregateID: req.AggregateID, ExpectedVersion: req.ExpectedVersion, ActualVersion: current}
		}
		return tx.QueryRow(ctx,
			`INSERT INTO events (id, aggregate_id, aggregate_version, type, payload, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING global_sequence`,
			evt.ID, evt.AggregateID, evt.AggregateVersion, evt.Type, evt.Payload, evt.OccurredAt,
		).Scan(&evt.GlobalSequence)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Event{}, s.conflict(ctx, req)
		}
		return Event{}, err
	}
	return evt, nil
}

// conflict rereads the actual version so the caller can retry from it.
func (s *PostgresStore) conflict(ctx context.Context, req AppendRequest) error {
	conflict := &ConflictError{AggregateID: req.AggregateID, ExpectedVersion: req.ExpectedVersion}
	_ = s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = $1`,
		req.AggregateID,
	).Scan(&conflict.ActualVersion)
	return conflict
}

// EventsFor implements Store.
func (s *PostgresStore) EventsFor(ctx context.Context, aggregateID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, aggregate_id, aggregate_version, global_sequence, type, payload, occurred_at
		 FROM events WHERE aggregate_id = $1 ORDER BY aggregate_version`,
		aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: events for %s: %w", aggregateID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsSince implements Store.
func (s *PostgresStore) EventsSince(ctx context.Context, afterSeq int64) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, aggregate_id, aggregate_version, global_sequence, type, payload, occurred_at
		 FROM events WHERE global_sequence > $1 ORDER BY global_sequence`,
		afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: events since %d: %w", afterSeq, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var evt Event
		if err := rows.Scan(&evt.ID, &evt.AggregateID, &evt.AggregateVersion, &evt.GlobalSequence, &evt.Type, &evt.Payload, &evt.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
