package opportunities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/salescommand/salescommand/internal/crm"
	"github.com/salescommand/salescommand/internal/crm/users"
	"github.com/salescommand/salescommand/internal/eventstore"
	"github.com/salescommand/salescommand/internal/shared"
)

// ProjectionName keys this projection's checkpoint and subscriptions.
const ProjectionName = "opportunity_views"

// Config bounds the visibility computation.
type Config struct {
	// HierarchyDepth is how many manager levels join the visibility set.
	HierarchyDepth int
	// AdminUserIDs are added to every opportunity's visibility set.
	AdminUserIDs []string
}

// Notifier receives the set of users whose derived views changed after an
// apply, so TTL caches can drop their entries early.
type Notifier interface {
	ViewsChanged(ctx context.Context, userIDs []string) error
}

// Projection folds opportunity sync events into opportunity_views, copying a
// salesperson snapshot from the already-applied user profiles and
// precomputing the visibility set. It also handles user sync events to
// re-denormalize snapshots when an owner's profile changes.
type Projection struct {
	repo     RepositoryPort
	users    users.Reader
	cfg      Config
	notifier Notifier
	logger   *slog.Logger
}

// NewProjection constructs the projection. notifier may be nil.
func NewProjection(repo RepositoryPort, userReader users.Reader, cfg Config, notifier Notifier, logger *slog.Logger) *Projection {
	if cfg.HierarchyDepth < 1 {
		cfg.HierarchyDepth = 1
	}
	return &Projection{repo: repo, users: userReader, cfg: cfg, notifier: notifier, logger: logger}
}

// Name implements projection.Projection.
func (p *Projection) Name() string { return ProjectionName }

// EventTypes implements projection.Projection.
func (p *Projection) EventTypes() []string {
	return []string{crm.EventOpportunitySynced, crm.EventOpportunityDeleted, crm.EventUserSynced}
}

// DependsOn implements projection.Projection. User profiles must be applied
// first so the snapshot lookup never reads behind the triggering event.
func (p *Projection) DependsOn() []string { return []string{users.ProjectionName} }

// Apply implements projection.Projection.
func (p *Projection) Apply(ctx context.Context, evt eventstore.Event) error {
	switch evt.Type {
	case crm.EventOpportunitySynced:
		var payload crm.OpportunitySyncedPayload
		if err := crm.DecodePayload(evt, &payload); err != nil {
			return err
		}
		return p.applySynced(ctx, payload)
	case crm.EventOpportunityDeleted:
		var payload crm.OpportunityDeletedPayload
		if err := crm.DecodePayload(evt, &payload); err != nil {
			return err
		}
		return p.applyDeleted(ctx, payload)
	case crm.EventUserSynced:
		var payload crm.UserSyncedPayload
		if err := crm.DecodePayload(evt, &payload); err != nil {
			return err
		}
		return p.redenormalize(ctx, payload.UserID)
	default:
		return nil
	}
}

func (p *Projection) applySynced(ctx context.Context, payload crm.OpportunitySyncedPayload) error {
	if payload.OpportunityID == "" {
		return fmt.Errorf("opportunities: synced event without opportunity_id")
	}

	prior, err := p.repo.Get(ctx, payload.OpportunityID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}

	row := Opportunity{
		ID:        payload.OpportunityID,
		Name:      payload.Name,
		OwnerID:   payload.OwnerID,
		AccountID: payload.AccountID,
		Stage:     payload.Stage,
		Amount:    payload.Amount,
	}
	if err := p.denormalize(ctx, &row); err != nil {
		return err
	}
	if err := p.repo.Upsert(ctx, row); err != nil {
		return fmt.Errorf("opportunities: upsert %s: %w", row.ID, err)
	}

	affected := row.VisibleToUserIDs
	if prior != nil {
		affected = union(affected, prior.VisibleToUserIDs)
	}
	p.notify(ctx, affected)
	return nil
}

func (p *Projection) applyDeleted(ctx context.Context, payload crm.OpportunityDeletedPayload) error {
	prior, err := p.repo.Get(ctx, payload.OpportunityID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.repo.Delete(ctx, payload.OpportunityID); err != nil {
		return fmt.Errorf("opportunities: delete %s: %w", payload.OpportunityID, err)
	}
	p.notify(ctx, prior.VisibleToUserIDs)
	return nil
}

// redenormalize refreshes the salesperson snapshot and visibility set for
// every opportunity owned by the changed user, and, when deeper hierarchy is
// configured, by users whose manager chain runs through them.
func (p *Projection) redenormalize(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	owners := []string{userID}
	if p.cfg.HierarchyDepth > 1 {
		subs, err := users.Subordinates(ctx, p.users, userID, p.cfg.HierarchyDepth-1)
		if err != nil {
			return err
		}
		owners = append(owners, subs...)
	}

	var affected []string
	for _, ownerID := range owners {
		rows, err := p.repo.ListByOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		for i := range rows {
			row := rows[i]
			before := row
			if err := p.denormalize(ctx, &row); err != nil {
				return err
			}
			if snapshotEqual(before, row) {
				continue
			}
			if err := p.repo.Upsert(ctx, row); err != nil {
				return fmt.Errorf("opportunities: refresh %s: %w", row.ID, err)
			}
			affected = union(affected, union(before.VisibleToUserIDs, row.VisibleToUserIDs))
		}
	}
	p.notify(ctx, affected)
	return nil
}

// denormalize fills the salesperson snapshot and visibility set from the
// current user profiles. A missing owner profile leaves the snapshot empty
// rather than failing; the owner's later sync event refreshes it.
func (p *Projection) denormalize(ctx context.Context, row *Opportunity) error {
	row.Salesperson = Salesperson{ID: row.OwnerID}

	owner, err := p.users.Get(ctx, row.OwnerID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	if owner != nil {
		row.Salesperson.Name = owner.Name
		row.Salesperson.TeamID = owner.TeamID
		row.Salesperson.ManagerID = owner.ManagerID
		if owner.ManagerID != "" {
			manager, err := p.users.Get(ctx, owner.ManagerID)
			if err != nil && !errors.Is(err, shared.ErrNotFound) {
				return err
			}
			if manager != nil {
				row.Salesperson.ManagerName = manager.Name
			}
		}
	}

	visible := []string{row.OwnerID}
	chain, err := users.ManagerChain(ctx, p.users, row.OwnerID, p.cfg.HierarchyDepth)
	if err != nil {
		return err
	}
	visible = union(visible, chain)
	visible = union(visible, p.cfg.AdminUserIDs)
	row.VisibleToUserIDs = visible
	return nil
}

// notify is best effort: a failed cache invalidation only delays refresh
// until the TTL expires.
func (p *Projection) notify(ctx context.Context, userIDs []string) {
	if p.notifier == nil || len(userIDs) == 0 {
		return
	}
	if err := p.notifier.ViewsChanged(ctx, userIDs); err != nil {
		p.logger.Warn("views changed notification failed", slog.Any("error", err))
	}
}

// Reset implements projection.Projection.
func (p *Projection) Reset(ctx context.Context) error {
	return p.repo.Clear(ctx)
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok && s != "" {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok && s != "" {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func snapshotEqual(a, b Opportunity) bool {
	if a.Salesperson != b.Salesperson {
		return false
	}
	av := append([]string(nil), a.VisibleToUserIDs...)
	bv := append([]string(nil), b.VisibleToUserIDs...)
	sort.Strings(av)
	sort.Strings(bv)
	if len(av) != len(bv) {
		return false
	}
	for i := range av {
		if av[i] != bv[i] {
			return false
		}
	}
	return true
}
