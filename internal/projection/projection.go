// Package projection provides the framework shared by every materialized
// view: declarative event routing, persisted checkpoints and rebuild.
package projection

import (
	"context"
	"time"

	"github.com/salescommand/salescommand/internal/eventstore"
)

// Status is the lifecycle state of a projection checkpoint.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusRebuilding Status = "REBUILDING"
	StatusApplying   Status = "APPLYING"
	StatusCaughtUp   Status = "CAUGHT_UP"
	StatusFailed     Status = "FAILED"
)

// Checkpoint records the last global sequence a projection has applied.
// APPLYING is transient and never persisted.
type Checkpoint struct {
	Projection string    `json:"projection"`
	Position   int64     `json:"position"`
	Status     Status    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Projection is implemented by every concrete materialized view. Apply is the
// merge function for one event against the projection's own collection; it
// must be idempotent per global sequence because delivery is at-least-once.
type Projection interface {
	// Name identifies the projection and keys its checkpoint.
	Name() string
	// EventTypes lists the event types this projection handles, resolved once
	// at registration into the bus subscription.
	EventTypes() []string
	// DependsOn names projections whose output this one reads at apply time.
	// Dependencies must be registered first so their collections are never
	// behind this projection's.
	DependsOn() []string
	// Apply folds one event into the collection.
	Apply(ctx context.Context, evt eventstore.Event) error
	// Reset clears the collection ahead of a rebuild.
	Reset(ctx context.Context) error
}

// CheckpointStore persists one checkpoint per projection.
type CheckpointStore interface {
	// Load returns the stored checkpoint, or a NOT_STARTED zero checkpoint
	// when the projection has never run.
	Load(ctx context.Context, projection string) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}
