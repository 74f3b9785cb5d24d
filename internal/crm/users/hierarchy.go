package users

import (
	"context"
	"errors"

	"github.com/salescommand/salescommand/internal/shared"
)

// ManagerChain walks manager references upward from userID, at most depth
// levels. The visited set guards against cycles from bad source data.
func ManagerChain(ctx context.Context, reader Reader, userID string, depth int) ([]string, error) {
	var chain []string
	visited := map[string]struct{}{userID: {}}
	current := userID
	for i := 0; i < depth; i++ {
		p, err := reader.Get(ctx, current)
		if errors.Is(err, shared.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if p.ManagerID == "" {
			break
		}
		if _, seen := visited[p.ManagerID]; seen {
			break
		}
		visited[p.ManagerID] = struct{}{}
		chain = append(chain, p.ManagerID)
		current = p.ManagerID
	}
	return chain, nil
}

// Subordinates walks direct reports downward from userID, at most depth
// levels, returning the transitive set without userID itself.
func Subordinates(ctx context.Context, reader Reader, userID string, depth int) ([]string, error) {
	visited := map[string]struct{}{userID: {}}
	var out []string
	frontier := []string{userID}
	for i := 0; i < depth && len(frontier) > 0; i++ {
		var next []string
		for _, id := range frontier {
			p, err := reader.Get(ctx, id)
			if errors.Is(err, shared.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, sub := range p.SubordinateIDs {
				if _, seen := visited[sub]; seen {
					continue
				}
				visited[sub] = struct{}{}
				out = append(out, sub)
				next = append(next, sub)
			}
		}
		frontier = next
	}
	return out, nil
}
