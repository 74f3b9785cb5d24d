package users

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/salescommand/salescommand/internal/platform/db"
	"github.com/salescommand/salescommand/internal/shared"
)

// Reader is the read side of the collection, used by dependent projections
// and the query layer.
type Reader interface {
	// Get returns the profile or shared.ErrNotFound.
	Get(ctx context.Context, id string) (*Profile, error)
	List(ctx context.Context) ([]Profile, error)
}

// RepositoryPort is the full persistence contract; only the owning
// projection calls the write methods.
type RepositoryPort interface {
	Reader
	Upsert(ctx context.Context, profile Profile) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns one profile by id.
func (r *Repository) Get(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, email, team_id, manager_id, subordinate_ids, updated_at
		 FROM user_profiles WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Email, &p.TeamID, &p.ManagerID, &p.SubordinateIDs, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// List returns all profiles.
func (r *Repository) List(ctx context.Context) ([]Profile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, email, team_id, manager_id, subordinate_ids, updated_at
		 FROM user_profiles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var profiles []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.TeamID, &p.ManagerID, &p.SubordinateIDs, &p.UpdatedAt); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// Upsert writes one profile row.
func (r *Repository) Upsert(ctx context.Context, p Profile) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_profiles (id, name, email, team_id, manager_id, subordinate_ids, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = $2, email = $3, team_id = $4, manager_id = $5, subordinate_ids = $6, updated_at = $7`,
		p.ID, p.Name, p.Email, p.TeamID, p.ManagerID, p.SubordinateIDs, time.Now().UTC(),
	)
	return err
}

// Delete removes one profile row and any leftover membership in other
// profiles' subordinate arrays.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE user_profiles SET subordinate_ids = array_remove(subordinate_ids, $1)
			 WHERE $1 = ANY(subordinate_ids)`, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM user_profiles WHERE id = $1`, id)
		return err
	})
}

// Clear empties the collection ahead of a rebuild.
func (r *Repository) Clear(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `TRUNCATE user_profiles`)
	return err
}
