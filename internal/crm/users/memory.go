package users

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
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryRepository constructs an empty collection.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{profiles: make(map[string]Profile)}
}

// Get implements Reader.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	p.SubordinateIDs = append([]string(nil), p.SubordinateIDs...)
	return &p, nil
}

// List implements Reader.
func (r *MemoryRepository) List(ctx context.Context) ([]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	profiles := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		p.SubordinateIDs = append([]string(nil), p.SubordinateIDs...)
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

// Upsert implements RepositoryPort.
func (r *MemoryRepository) Upsert(ctx context.Context, p Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	p.SubordinateIDs = append([]string(nil), p.SubordinateIDs...)
	r.profiles[p.ID] = p
	return nil
}

// Delete implements RepositoryPort.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.profiles, id)
	return nil
}

// Clear implements RepositoryPort.
func (r *MemoryRepository) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = make(map[string]Profile)
	return nil
}
