package users

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salescommand/salescommand/internal/crm"
	"github.com/salescommand/salescommand/internal/eventstore"
	"github.com/salescommand/salescommand/internal/shared"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func userEvent(t *testing.T, seq int64, payload crm.UserSyncedPayload) eventstore.Event {
	t.Helper()
	return eventstore.Event{
		AggregateID:      payload.UserID,
		AggregateVersion: seq,
		GlobalSequence:   seq,
		Type:             crm.EventUserSynced,
		Payload:          crm.MustPayload(payload),
	}
}

func TestApplySyncedUpsertsProfile(t *testing.T) {
	repo := NewMemoryRepository()
	proj := NewProjection(repo, testLogger())

	evt := userEvent(t, 1, crm.UserSyncedPayload{
		UserID: "u-1", Name: "Vinsha", Email: "vinsha@example.com", TeamID: "team-emea",
	})
	require.NoError(t, proj.Apply(context.Background(), evt))

	p, err := repo.Get(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "Vinsha", p.Name)
	assert.Equal(t, "team-emea", p.TeamID)
	assert.Empty(t, p.SubordinateIDs)
}

func TestManagerChangeFixesSubordinateSets(t *testing.T) {
	repo := NewMemoryRepository()
	proj := NewProjection(repo, testLogger())
	ctx := context.Background()

	require.NoError(t, proj.Apply(ctx, userEvent(t, 1, crm.UserSyncedPayload{UserID: "m-old", Name: "Old Manager"})))
	require.NoError(t, proj.Apply(ctx, userEvent(t, 2, crm.UserSyncedPayload{UserID: "m-new", Name: "New Manager"})))
	require.NoError(t, proj.Apply(ctx, userEvent(t, 3, crm.UserSyncedPayload{UserID: "u-1", Name: "Report", ManagerID: "m-old"})))

	oldManager, err := repo.Get(ctx, "m-old")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1"}, oldManager.SubordinateIDs)

	// Reassign to the new manager.
	require.NoError(t, proj.Apply(ctx, userEvent(t, 4, crm.UserSyncedPayload{UserID: "u-1", Name: "Report", ManagerID: "m-new"})))

	oldManager, err = repo.Get(ctx, "m-old")
	require.NoError(t, err)
	assert.Empty(t, oldManager.SubordinateIDs)

	newManager, err := repo.Get(ctx, "m-new")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1"}, newManager.SubordinateIDs)
}

func TestSubordinateSyncedBeforeManagerCreatesPlaceholder(t *testing.T) {
	repo := NewMemoryRepository()
	proj := NewProjection(repo, testLogger())
	ctx := context.Background()

	require.NoError(t, proj.Apply(ctx, userEvent(t, 1, crm.UserSyncedPayload{UserID: "u-1", Name: "Report", ManagerID: "m-1"})))

	placeholder, err := repo.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1"}, placeholder.SubordinateIDs)
	assert.Empty(t, placeholder.Name)

	// The manager's own sync fills identity fields and keeps the set.
	require.NoError(t, proj.Apply(ctx, userEvent(t, 2, crm.UserSyncedPayload{UserID: "m-1", Name: "Manager"})))
	manager, err := repo.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "Manager", manager.Name)
	assert.Equal(t, []string{"u-1"}, manager.SubordinateIDs)
}

func TestApplySyncedIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	proj := NewProjection(repo, testLogger())
	ctx := context.Background()

	evt := userEvent(t, 1, crm.UserSyncedPayload{UserID: "u-1", Name: "Report", ManagerID: "m-1"})
	require.NoError(t, proj.Apply(ctx, evt))
	require.NoError(t, proj.Apply(ctx, evt))

	manager, err := repo.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1"}, manager.SubordinateIDs, "replayed event must not duplicate set members")
}

func TestApplyDeletedRemovesProfileAndMembership(t *testing.T) {
	repo := NewMemoryRepository()
	proj := NewProjection(repo, testLogger())
	ctx := context.Background()

	require.NoError(t, proj.Apply(ctx, userEvent(t, 1, crm.UserSyncedPayload{UserID: "m-1", Name: "Manager"})))
	require.NoError(t, proj.Apply(ctx, userEvent(t, 2, crm.UserSyncedPayload{UserID: "u-1", Name: "Report", ManagerID: "m-1"})))

	del := eventstore.Event{
		AggregateID:    "u-1",
		GlobalSequence: 3,
		Type:           crm.EventUserDeleted,
		Payload:        crm.MustPayload(crm.UserDeletedPayload{UserID: "u-1"}),
	}
	require.NoError(t, proj.Apply(ctx, del))

	_, err := repo.Get(ctx, "u-1")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	manager, err := repo.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Empty(t, manager.SubordinateIDs)

	// Deleting an unknown user is a no-op.
	require.NoError(t, proj.Apply(ctx, del))
}

func TestManagerChainBoundedAndCycleSafe(t *testing.T) {
	repo := NewMemoryRepository()
	proj := NewProjection(repo, testLogger())
	ctx := context.Background()

	require.NoError(t, proj.Apply(ctx, userEvent(t, 1, crm.UserSyncedPayload{UserID: "a", ManagerID: "b"})))
	require.NoError(t, proj.Apply(ctx, userEvent(t, 2, crm.UserSyncedPayload{UserID: "b", ManagerID: "c"})))
	require.NoError(t, proj.Apply(ctx, userEvent(t, 3, crm.UserSyncedPayload{UserID: "c", ManagerID: "a"})))

	chain, err := ManagerChain(ctx, repo, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, chain)

	// Depth 10 over a 3-node cycle terminates without repeating members.
	chain, err = ManagerChain(ctx, repo, "a", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, chain)
}

func TestSubordinatesTransitiveWalk(t *testing.T) {
	repo := NewMemoryRepository()
	proj := NewProjection(repo, testLogger())
	ctx := context.Background()

	require.NoError(t, proj.Apply(ctx, userEvent(t, 1, crm.UserSyncedPayload{UserID: "top"})))
	require.NoError(t, proj.Apply(ctx, userEvent(t, 2, crm.UserSyncedPayload{UserID: "mid", ManagerID: "top"})))
	require.NoError(t, proj.Apply(ctx, userEvent(t, 3, crm.UserSyncedPayload{UserID: "leaf", ManagerID: "mid"})))

	direct, err := Subordinates(ctx, repo, "top", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid"}, direct)

	all, err := Subordinates(ctx, repo, "top", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mid", "leaf"}, all)
}
