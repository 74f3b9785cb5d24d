package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCheckpoints persists checkpoints in the projection_checkpoints table.
type PostgresCheckpoints struct {
	pool *pgxpool.Pool
}

// NewPostgresCheckpoints constructs the store.
func NewPostgresCheckpoints(pool *pgxpool.Pool) *PostgresCheckpoints {
	return &PostgresCheckpoints{pool: pool}
}

// Load implements CheckpointStore.
func (s *PostgresCheckpoints) Load(ctx context.Context, projection string) (Checkpoint, error) {
	cp := Checkpoint{Projection: projection, Status: StatusNotStarted}
	err := s.pool.QueryRow(ctx,
		`SELECT position, status, updated_at FROM projection_checkpoints WHERE projection = $1`,
		projection,
	).Scan(&cp.Position, &cp.Status, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("projection: load checkpoint %s: %w", projection, err)
	}
	return cp, nil
}

// Save implements CheckpointStore.
func (s *PostgresCheckpoints) Save(ctx context.Context, cp Checkpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projection_checkpoints (projection, position, status, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (projection) DO UPDATE SET position = $2, status = $3, updated_at = $4`,
		cp.Projection, cp.Position, cp.Status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("projection: save checkpoint %s: %w", cp.Projection, err)
	}
	return nil
}

// MemoryCheckpoints keeps checkpoints in process memory for tests and
// single-node development runs.
type MemoryCheckpoints struct {
	mu  sync.Mutex
	byP map[string]Checkpoint
}

// NewMemoryCheckpoints constructs an empty store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{byP: make(map[string]Checkpoint)}
}

// Load implements CheckpointStore.
func (s *MemoryCheckpoints) Load(ctx context.Context, projection string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.byP[projection]; ok {
		return cp, nil
	}
	return Checkpoint{Projection: projection, Status: StatusNotStarted}, nil
}

// Save implements CheckpointStore.
func (s *MemoryCheckpoints) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.UpdatedAt = time.Now().UTC()
	s.byP[cp.Projection] = cp
	return nil
}
