// Package access maintains the per-user access matrix: the precomputed set
// of opportunities and accounts a user may see, TTL-cached and recomputed
// from opportunity views and user profiles rather than from raw events.
package access

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/salescommand/salescommand/internal/crm/opportunities"
	"github.com/salescommand/salescommand/internal/crm/users"
	"github.com/salescommand/salescommand/internal/crm/viewcache"
)

// View names the cache namespace.
const View = "access_matrix"

// Entry is the cached access set for one user.
type Entry struct {
	UserID                   string    `json:"user_id"`
	AccessibleOpportunityIDs []string  `json:"accessible_opportunity_ids"`
	AccessibleAccountIDs     []string  `json:"accessible_account_ids"`
	ComputedAt               time.Time `json:"computed_at"`
	ExpiresAt                time.Time `json:"expires_at"`
}

// Config bounds the subordinate traversal.
type Config struct {
	HierarchyDepth int
}

// Matrix serves and recomputes access entries. Different users' entries
// recompute in parallel; concurrent readers of the same user coalesce into
// one flight inside the cache.
type Matrix struct {
	users  users.Reader
	opps   opportunities.Reader
	cache  *viewcache.Cache
	cfg    Config
	logger *slog.Logger
}

// NewMatrix constructs the projection.
func NewMatrix(userReader users.Reader, oppReader opportunities.Reader, cache *viewcache.Cache, cfg Config, logger *slog.Logger) *Matrix {
	if cfg.HierarchyDepth < 1 {
		cfg.HierarchyDepth = 1
	}
	return &Matrix{users: userReader, opps: oppReader, cache: cache, cfg: cfg, logger: logger}
}

// Depth returns the configured hierarchy depth.
func (m *Matrix) Depth() int { return m.cfg.HierarchyDepth }

// Get returns the user's entry, recomputing synchronously when the cached
// one is missing or past its TTL. A failed recompute degrades to the stale
// entry rather than failing the read.
func (m *Matrix) Get(ctx context.Context, userID string) (Entry, error) {
	var entry Entry
	meta, err := m.cache.Fetch(ctx, View, userID, &entry, func(ctx context.Context) (any, error) {
		return m.compute(ctx, userID)
	})
	if err != nil {
		return Entry{}, err
	}
	entry.ComputedAt = meta.ComputedAt
	entry.ExpiresAt = meta.ExpiresAt
	return entry, nil
}

// compute builds the access sets: opportunities where the user appears in
// the visibility set, unioned with the same computed recursively for every
// subordinate in the user's bounded hierarchy.
func (m *Matrix) compute(ctx context.Context, userID string) (Entry, error) {
	members := []string{userID}
	subs, err := users.Subordinates(ctx, m.users, userID, m.cfg.HierarchyDepth)
	if err != nil {
		return Entry{}, err
	}
	members = append(members, subs...)

	oppIDs := make(map[string]struct{})
	accountIDs := make(map[string]struct{})
	for _, member := range members {
		rows, err := m.opps.ListVisibleTo(ctx, member)
		if err != nil {
			return Entry{}, err
		}
		for _, row := range rows {
			oppIDs[row.ID] = struct{}{}
			if row.AccountID != "" {
				accountIDs[row.AccountID] = struct{}{}
			}
		}
	}

	return Entry{
		UserID:                   userID,
		AccessibleOpportunityIDs: sortedKeys(oppIDs),
		AccessibleAccountIDs:     sortedKeys(accountIDs),
	}, nil
}

// Invalidate drops the cached entries for the given users and every manager
// above them, since a subordinate's access feeds the manager's superset.
func (m *Matrix) Invalidate(ctx context.Context, userIDs []string) error {
	expanded := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		expanded[id] = struct{}{}
		chain, err := users.ManagerChain(ctx, m.users, id, m.cfg.HierarchyDepth)
		if err != nil {
			return err
		}
		for _, mgr := range chain {
			expanded[mgr] = struct{}{}
		}
	}
	return m.cache.Invalidate(ctx, View, sortedKeys(expanded)...)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
