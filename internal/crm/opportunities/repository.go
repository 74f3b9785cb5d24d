package opportunities

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/salescommand/salescommand/internal/shared"
)

// Reader is the read side of the collection.
type Reader interface {
	// Get returns the row or shared.ErrNotFound.
	Get(ctx context.Context, id string) (*Opportunity, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Opportunity, error)
	// ListVisibleTo returns every opportunity whose visibility set contains
	// userID.
	ListVisibleTo(ctx context.Context, userID string) ([]Opportunity, error)
	ListByIDs(ctx context.Context, ids []string) ([]Opportunity, error)
}

// RepositoryPort is the full persistence contract; only the owning
// projection calls the write methods.
type RepositoryPort interface {
	Reader
	Upsert(ctx context.Context, opp Opportunity) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

const selectColumns = `id, name, owner_id, account_id, stage, amount,
	salesperson_name, salesperson_team_id, manager_id, manager_name,
	visible_to_user_ids, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanOpportunity(row pgx.Row) (*Opportunity, error) {
	var o Opportunity
	err := row.Scan(&o.ID, &o.Name, &o.OwnerID, &o.AccountID, &o.Stage, &o.Amount,
		&o.Salesperson.Name, &o.Salesperson.TeamID, &o.Salesperson.ManagerID, &o.Salesperson.ManagerName,
		&o.VisibleToUserIDs, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Salesperson.ID = o.OwnerID
	return &o, nil
}

func collect(rows pgx.Rows) ([]Opportunity, error) {
	defer rows.Close()
	var opps []Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		opps = append(opps, *o)
	}
	return opps, rows.Err()
}

// Get returns one row by id.
func (r *Repository) Get(ctx context.Context, id string) (*Opportunity, error) {
	o, err := scanOpportunity(r.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM opportunity_views WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	return o, err
}

// ListByOwner returns all rows owned by ownerID.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]Opportunity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM opportunity_views WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ListVisibleTo returns all rows whose visibility set contains userID.
func (r *Repository) ListVisibleTo(ctx context.Context, userID string) ([]Opportunity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM opportunity_views WHERE $1 = ANY(visible_to_user_ids) ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ListByIDs returns the rows for the given ids, skipping missing ones.
func (r *Repository) ListByIDs(ctx context.Context, ids []string) ([]Opportunity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM opportunity_views WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// Upsert writes one row.
func (r *Repository) Upsert(ctx context.Context, o Opportunity) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO opportunity_views
		   (id, name, owner_id, account_id, stage, amount,
		    salesperson_name, salesperson_team_id, manager_id, manager_name,
		    visible_to_user_ids, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   name = $2, owner_id = $3, account_id = $4, stage = $5, amount = $6,
		   salesperson_name = $7, salesperson_team_id = $8, manager_id = $9, manager_name = $10,
		   visible_to_user_ids = $11, updated_at = $12`,
		o.ID, o.Name, o.OwnerID, o.AccountID, o.Stage, o.Amount,
		o.Salesperson.Name, o.Salesperson.TeamID, o.Salesperson.ManagerID, o.Salesperson.ManagerName,
		o.VisibleToUserIDs, time.Now().UTC(),
	)
	return err
}

// Delete removes one row.
func (r *Repository) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM opportunity_views WHERE id = $1`, id)
	return err
}

// Clear empties the collection ahead of a rebuild.
func (r *Repository) Clear(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `TRUNCATE opportunity_views`)
	return err
}
