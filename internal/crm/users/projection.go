package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/salescommand/salescommand/internal/crm"
	"github.com/salescommand/salescommand/internal/eventstore"
	"github.com/salescommand/salescommand/internal/shared"
)

// ProjectionName keys this projection's checkpoint and subscriptions.
const ProjectionName = "user_profiles"

// Projection folds user sync events into the user_profiles collection and
// keeps each manager's direct-report set in step with an O(1) fixup on
// manager changes.
type Projection struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewProjection constructs the projection.
func NewProjection(repo RepositoryPort, logger *slog.Logger) *Projection {
	return &Projection{repo: repo, logger: logger}
}

// Name implements projection.Projection.
func (p *Projection) Name() string { return ProjectionName }

// EventTypes implements projection.Projection.
func (p *Projection) EventTypes() []string {
	return []string{crm.EventUserSynced, crm.EventUserDeleted}
}

// DependsOn implements projection.Projection.
func (p *Projection) DependsOn() []string { return nil }

// Apply implements projection.Projection.
func (p *Projection) Apply(ctx context.Context, evt eventstore.Event) error {
	switch evt.Type {
	case crm.EventUserSynced:
		var payload crm.UserSyncedPayload
		if err := crm.DecodePayload(evt, &payload); err != nil {
			return err
		}
		return p.applySynced(ctx, payload)
	case crm.EventUserDeleted:
		var payload crm.UserDeletedPayload
		if err := crm.DecodePayload(evt, &payload); err != nil {
			return err
		}
		return p.applyDeleted(ctx, payload)
	default:
		return nil
	}
}

func (p *Projection) applySynced(ctx context.Context, payload crm.UserSyncedPayload) error {
	if payload.UserID == "" {
		return fmt.Errorf("users: synced event without user_id")
	}

	prior, err := p.repo.Get(ctx, payload.UserID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}

	next := Profile{
		ID:        payload.UserID,
		Name:      payload.Name,
		Email:     payload.Email,
		TeamID:    payload.TeamID,
		ManagerID: payload.ManagerID,
	}
	oldManager := ""
	if prior != nil {
		next.SubordinateIDs = prior.SubordinateIDs
		oldManager = prior.ManagerID
	}
	if err := p.repo.Upsert(ctx, next); err != nil {
		return fmt.Errorf("users: upsert %s: %w", payload.UserID, err)
	}

	if oldManager != payload.ManagerID {
		if err := p.removeSubordinate(ctx, oldManager, payload.UserID); err != nil {
			return err
		}
		if err := p.addSubordinate(ctx, payload.ManagerID, payload.UserID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Projection) applyDeleted(ctx context.Context, payload crm.UserDeletedPayload) error {
	prior, err := p.repo.Get(ctx, payload.UserID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.removeSubordinate(ctx, prior.ManagerID, payload.UserID); err != nil {
		return err
	}
	if err := p.repo.Delete(ctx, payload.UserID); err != nil {
		return fmt.Errorf("users: delete %s: %w", payload.UserID, err)
	}
	return nil
}

// addSubordinate inserts userID into the manager's direct-report set,
// creating a placeholder row when the manager's own sync event has not
// arrived yet. Re-adding an existing member is a no-op.
func (p *Projection) addSubordinate(ctx context.Context, managerID, userID string) error {
	if managerID == "" || managerID == userID {
		return nil
	}
	manager, err := p.repo.Get(ctx, managerID)
	if errors.Is(err, shared.ErrNotFound) {
		manager = &Profile{ID: managerID}
	} else if err != nil {
		return err
	}
	if manager.HasSubordinate(userID) {
		return nil
	}
	manager.SubordinateIDs = append(manager.SubordinateIDs, userID)
	return p.repo.Upsert(ctx, *manager)
}

func (p *Projection) removeSubordinate(ctx context.Context, managerID, userID string) error {
	if managerID == "" {
		return nil
	}
	manager, err := p.repo.Get(ctx, managerID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !manager.HasSubordinate(userID) {
		return nil
	}
	kept := manager.SubordinateIDs[:0]
	for _, id := range manager.SubordinateIDs {
		if id != userID {
			kept = append(kept, id)
		}
	}
	manager.SubordinateIDs = kept
	return p.repo.Upsert(ctx, *manager)
}

// Reset implements projection.Projection.
func (p *Projection) Reset(ctx context.Context) error {
	return p.repo.Clear(ctx)
}
