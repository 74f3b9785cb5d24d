package opportunities

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/salescommand/salescommand/internal/shared"
)

// MemoryRepository keeps the collection in process memory for tests and
// single-node development runs.
type MemoryRepository struct {
	mu   sync.RWMutex
	opps map[string]Opportunity
}

// NewMemoryRepository constructs an empty collection.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{opps: make(map[string]Opportunity)}
}

func cloneOpp(o Opportunity) Opportunity {
	o.VisibleToUserIDs = append([]string(nil), o.VisibleToUserIDs...)
	return o
}

func (r *MemoryRepository) list(filter func(Opportunity) bool) []Opportunity {
	var out []Opportunity
	for _, o := range r.opps {
		if filter(o) {
			out = append(out, cloneOpp(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get implements Reader.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*Opportunity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.opps[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	o = cloneOpp(o)
	return &o, nil
}

// ListByOwner implements Reader.
func (r *MemoryRepository) ListByOwner(ctx context.Context, ownerID string) ([]Opportunity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list(func(o Opportunity) bool { return o.OwnerID == ownerID }), nil
}

// ListVisibleTo implements Reader.
func (r *MemoryRepository) ListVisibleTo(ctx context.Context, userID string) ([]Opportunity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list(func(o Opportunity) bool { return o.VisibleTo(userID) }), nil
}

// ListByIDs implements Reader.
func (r *MemoryRepository) ListByIDs(ctx context.Context, ids []string) ([]Opportunity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list(func(o Opportunity) bool {
		_, ok := wanted[o.ID]
		return ok
	}), nil
}

// Upsert implements RepositoryPort.
func (r *MemoryRepository) Upsert(ctx context.Context, o Opportunity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o.UpdatedAt = time.Now().UTC()
	r.opps[o.ID] = cloneOpp(o)
	return nil
}

// Delete implements RepositoryPort.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.opps, id)
	return nil
}

// Clear implements RepositoryPort.
func (r *MemoryRepository) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opps = make(map[string]Opportunity)
	return nil
}
