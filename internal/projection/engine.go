package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/salescommand/salescommand/internal/eventbus"
	"github.com/salescommand/salescommand/internal/eventstore"
)

var (
	// ErrUnknownProjection is returned for operations on unregistered names.
	ErrUnknownProjection = errors.New("projection: unknown projection")
	// ErrDependencyNotRegistered is returned when a projection is registered
	// before one of its declared dependencies. Registering in dependency
	// order keeps the graph acyclic by construction.
	ErrDependencyNotRegistered = errors.New("projection: dependency not registered")
	// ErrAlreadyRegistered guards against duplicate names.
	ErrAlreadyRegistered = errors.New("projection: already registered")
)

// MetricsRecorder receives checkpoint positions as they advance. Optional.
type MetricsRecorder interface {
	RecordProjectionPosition(projection string, position int64)
}

type runner struct {
	proj  Projection
	types map[string]struct{}

	// mu serializes apply, catch-up and rebuild for this projection only.
	// Live dispatch never blocks on it: a busy runner is skipped and the
	// gap catch-up recovers the skipped events.
	mu sync.Mutex
	cp Checkpoint
}

// Engine owns projection registration, live delivery bookkeeping and rebuild.
type Engine struct {
	store       eventstore.Store
	bus         *eventbus.Bus
	checkpoints CheckpointStore
	logger      *slog.Logger
	metrics     MetricsRecorder

	mu      sync.Mutex
	order   []string
	runners map[string]*runner
}

// NewEngine constructs an engine over the given store, bus and checkpoints.
func NewEngine(store eventstore.Store, bus *eventbus.Bus, checkpoints CheckpointStore, logger *slog.Logger) *Engine {
	return &Engine{
		store:       store,
		bus:         bus,
		checkpoints: checkpoints,
		logger:      logger,
		runners:     make(map[string]*runner),
	}
}

// SetMetrics attaches an optional metrics recorder.
func (e *Engine) SetMetrics(m MetricsRecorder) { e.metrics = m }

// Register adds a projection. Projections must be registered in dependency
// order: every name in DependsOn must already be registered.
func (e *Engine) Register(p Projection) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.runners[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, p.Name())
	}
	for _, dep := range p.DependsOn() {
		if _, ok := e.runners[dep]; !ok {
			return fmt.Errorf("%w: %s depends on %s", ErrDependencyNotRegistered, p.Name(), dep)
		}
	}

	r := &runner{
		proj:  p,
		types: make(map[string]struct{}),
		cp:    Checkpoint{Projection: p.Name(), Status: StatusNotStarted},
	}
	for _, t := range p.EventTypes() {
		r.types[t] = struct{}{}
	}
	e.runners[p.Name()] = r
	e.order = append(e.order, p.Name())
	return nil
}

// Start subscribes every registered projection to the bus in dependency
// order, then brings each one up to date: fresh or half-rebuilt projections
// are rebuilt from sequence 0, caught-up ones replay only their backlog.
// FAILED projections stay failed until an operator invokes Rebuild.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	order := append([]string(nil), e.order...)
	e.mu.Unlock()

	for _, name := range order {
		cp, err := e.checkpoints.Load(ctx, name)
		if err != nil {
			return err
		}
		e.runners[name].cp = cp
	}

	// One subscription for the whole engine: each event visits every runner
	// in registration order before the next event is dispatched, so a
	// caught-up projection always observes its dependencies' state for that
	// event. A runner busy with a rebuild is skipped, not awaited.
	if err := e.bus.Subscribe("projections", e.subscribedTypes(), func(ctx context.Context, evt eventstore.Event) error {
		for _, name := range order {
			r := e.runners[name]
			if err := e.onEvent(ctx, r, evt); err != nil {
				// Failure is local to the runner; the rest keep applying.
				e.logger.Error("projection apply",
					slog.String("projection", name),
					slog.Int64("global_sequence", evt.GlobalSequence),
					slog.Any("error", err))
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for _, name := range order {
		r := e.runners[name]
		switch r.cp.Status {
		case StatusNotStarted, StatusRebuilding:
			if err := e.Rebuild(ctx, name); err != nil {
				return err
			}
		case StatusCaughtUp:
			r.mu.Lock()
			err := e.catchUpLocked(ctx, r)
			r.mu.Unlock()
			if err != nil {
				return err
			}
		case StatusFailed:
			e.logger.Warn("projection failed, awaiting rebuild", slog.String("projection", name))
		}
	}
	return nil
}

// Checkpoint returns the current checkpoint for a projection.
func (e *Engine) Checkpoint(name string) (Checkpoint, error) {
	e.mu.Lock()
	r, ok := e.runners[name]
	e.mu.Unlock()
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cp, nil
}

// Names returns the registered projections in dependency order.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// onEvent is the live delivery path. Duplicates (at-least-once delivery) are
// ignored; a sequence gap triggers a targeted catch-up replay before the
// event itself is applied.
func (e *Engine) onEvent(ctx context.Context, r *runner, evt eventstore.Event) error {
	// A runner busy rebuilding (or mid catch-up) must not stall delivery to
	// the projections behind it in dispatch order. The skipped event shows
	// up as a gap once the runner is free and the catch-up replays it.
	if !r.mu.TryLock() {
		return nil
	}
	defer r.mu.Unlock()

	switch r.cp.Status {
	case StatusFailed:
		// Frozen at the last good position until an operator rebuilds.
		return nil
	case StatusRebuilding:
		// A cancelled rebuild left partial state; the restarted rebuild will
		// cover this event.
		return nil
	}

	seq := evt.GlobalSequence
	switch {
	case seq <= r.cp.Position:
		return nil
	case seq == r.cp.Position+1:
		return e.applyOrAdvanceLocked(ctx, r, evt)
	default:
		if err := e.catchUpLocked(ctx, r); err != nil {
			return err
		}
		// The catch-up read the event from the store already unless the
		// delivery raced ahead of the read.
		if seq == r.cp.Position+1 {
			return e.applyOrAdvanceLocked(ctx, r, evt)
		}
		return nil
	}
}

// applyOrAdvanceLocked applies subscribed event types and advances the
// checkpoint past everything else, so the position tracks the global
// sequence regardless of which types a projection handles.
func (e *Engine) applyOrAdvanceLocked(ctx context.Context, r *runner, evt eventstore.Event) error {
	if _, ok := r.types[evt.Type]; ok {
		return e.applyLocked(ctx, r, evt)
	}
	return e.advanceLocked(ctx, r, evt.GlobalSequence)
}

// subscribedTypes returns the union of all registered projections' types.
func (e *Engine) subscribedTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]struct{})
	var types []string
	for _, name := range e.order {
		for t := range e.runners[name].types {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			types = append(types, t)
		}
	}
	return types
}

// catchUpLocked replays the store from the current position, applying
// subscribed types and advancing the position across every event so the
// checkpoint tracks the global sequence.
func (e *Engine) catchUpLocked(ctx context.Context, r *runner) error {
	from := r.cp.Position
	e.logger.Info("projection catch-up",
		slog.String("projection", r.proj.Name()),
		slog.Int64("from", from))

	return e.bus.Replay(ctx, from, func(ctx context.Context, evt eventstore.Event) error {
		return e.applyOrAdvanceLocked(ctx, r, evt)
	})
}

// applyLocked runs the projection's apply function and advances the
// checkpoint. An apply error marks the projection FAILED with the position
// still at the previous event.
func (e *Engine) applyLocked(ctx context.Context, r *runner, evt eventstore.Event) error {
	r.cp.Status = StatusApplying
	if err := r.proj.Apply(ctx, evt); err != nil {
		r.cp.Status = StatusFailed
		if saveErr := e.checkpoints.Save(ctx, r.cp); saveErr != nil {
			e.logger.Error("save failed checkpoint", slog.String("projection", r.proj.Name()), slog.Any("error", saveErr))
		}
		return fmt.Errorf("projection %s: apply sequence %d: %w", r.proj.Name(), evt.GlobalSequence, err)
	}
	return e.advanceLocked(ctx, r, evt.GlobalSequence)
}

func (e *Engine) advanceLocked(ctx context.Context, r *runner, seq int64) error {
	r.cp.Position = seq
	r.cp.Status = StatusCaughtUp
	if err := e.checkpoints.Save(ctx, r.cp); err != nil {
		// The in-memory position stays ahead; idempotent applies absorb the
		// re-delivery after a restart.
		e.logger.Warn("save checkpoint", slog.String("projection", r.proj.Name()), slog.Any("error", err))
	}
	if e.metrics != nil {
		e.metrics.RecordProjectionPosition(r.proj.Name(), seq)
	}
	return nil
}

// Rebuild clears the projection's collection and replays the full log from
// sequence 0. Cancellation leaves the projection REBUILDING; partial state is
// discarded by the next rebuild rather than resumed.
func (e *Engine) Rebuild(ctx context.Context, name string) error {
	e.mu.Lock()
	r, ok := e.runners[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.cp = Checkpoint{Projection: name, Status: StatusRebuilding}
	if err := e.checkpoints.Save(ctx, r.cp); err != nil {
		return err
	}
	if err := r.proj.Reset(ctx); err != nil {
		return e.failRebuild(ctx, r, fmt.Errorf("projection %s: reset: %w", name, err))
	}

	fold := func(ctx context.Context, evt eventstore.Event) error {
		if _, ok := r.types[evt.Type]; !ok {
			r.cp.Position = evt.GlobalSequence
			return nil
		}
		if err := r.proj.Apply(ctx, evt); err != nil {
			return fmt.Errorf("apply sequence %d: %w", evt.GlobalSequence, err)
		}
		r.cp.Position = evt.GlobalSequence
		return nil
	}

	e.logger.Info("projection rebuild started", slog.String("projection", name))
	// Replay the full log, then keep replaying until the position stops
	// moving: live dispatch skips a rebuilding runner, so events appended
	// while a replay pass ran arrive only through the next pass.
	for {
		from := r.cp.Position
		err := e.bus.Replay(ctx, from, fold)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn("projection rebuild cancelled", slog.String("projection", name))
			return err
		}
		if err != nil {
			return e.failRebuild(ctx, r, fmt.Errorf("projection %s: rebuild: %w", name, err))
		}
		if r.cp.Position == from {
			break
		}
	}

	r.cp.Status = StatusCaughtUp
	if err := e.checkpoints.Save(ctx, r.cp); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordProjectionPosition(name, r.cp.Position)
	}
	e.logger.Info("projection rebuild complete",
		slog.String("projection", name),
		slog.Int64("position", r.cp.Position))
	return nil
}

func (e *Engine) failRebuild(ctx context.Context, r *runner, cause error) error {
	r.cp.Status = StatusFailed
	if err := e.checkpoints.Save(ctx, r.cp); err != nil {
		e.logger.Error("save failed checkpoint", slog.String("projection", r.proj.Name()), slog.Any("error", err))
	}
	return cause
}
