package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salescommand/salescommand/internal/eventbus"
	"github.com/salescommand/salescommand/internal/eventstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countProjection folds payload counters into a per-aggregate sum.
type countProjection struct {
	name    string
	types   []string
	deps    []string
	applyFn func(evt eventstore.Event) error

	mu      sync.Mutex
	sums    map[string]int64
	applied []int64
}

func newCountProjection(name string, types ...string) *countProjection {
	return &countProjection{name: name, types: types, sums: make(map[string]int64)}
}

func (p *countProjection) Name() string         { return p.name }
func (p *countProjection) EventTypes() []string { return p.types }
func (p *countProjection) DependsOn() []string  { return p.deps }

func (p *countProjection) setApply(fn func(evt eventstore.Event) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyFn = fn
}

func (p *countProjection) Apply(_ context.Context, evt eventstore.Event) error {
	p.mu.Lock()
	fn := p.applyFn
	p.mu.Unlock()
	if fn != nil {
		if err := fn(evt); err != nil {
			return err
		}
	}
	var payload struct {
		N int64 `json:"n"`
	}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sums[evt.AggregateID] += payload.N
	p.applied = append(p.applied, evt.GlobalSequence)
	return nil
}

func (p *countProjection) Reset(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sums = make(map[string]int64)
	p.applied = nil
	return nil
}

func (p *countProjection) sum(aggregateID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sums[aggregateID]
}

func (p *countProjection) appliedSeqs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.applied...)
}

type fixture struct {
	store  *eventstore.MemoryStore
	bus    *eventbus.Bus
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := eventstore.NewMemoryStore()
	bus := eventbus.New(store, testLogger())
	engine := NewEngine(store, bus, NewMemoryCheckpoints(), testLogger())
	return &fixture{store: store, bus: bus, engine: engine}
}

func (f *fixture) append(t *testing.T, aggregateID string, expected int64, eventType string, n int64) eventstore.Event {
	t.Helper()
	evt, err := f.store.Append(context.Background(), eventstore.AppendRequest{
		AggregateID:     aggregateID,
		ExpectedVersion: expected,
		Type:            eventType,
		Payload:         json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
	})
	require.NoError(t, err)
	return evt
}

func TestRegisterRejectsMissingDependency(t *testing.T) {
	f := newFixture(t)

	dependent := newCountProjection("dependent", "a.changed")
	dependent.deps = []string{"upstream"}
	err := f.engine.Register(dependent)
	require.ErrorIs(t, err, ErrDependencyNotRegistered)

	upstream := newCountProjection("upstream", "a.changed")
	require.NoError(t, f.engine.Register(upstream))
	require.NoError(t, f.engine.Register(dependent))
	assert.Equal(t, []string{"upstream", "dependent"}, f.engine.Names())
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Register(newCountProjection("p", "a.changed")))
	assert.ErrorIs(t, f.engine.Register(newCountProjection("p", "a.changed")), ErrAlreadyRegistered)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	proj := newCountProjection("counts", "a.changed")
	require.NoError(t, f.engine.Register(proj))
	require.NoError(t, f.engine.Start(context.Background()))

	evt := f.append(t, "agg-1", 0, "a.changed", 5)
	require.NoError(t, f.bus.Publish(context.Background(), evt))
	require.NoError(t, f.bus.Publish(context.Background(), evt))
	require.NoError(t, f.bus.Close(context.Background()))

	assert.Equal(t, int64(5), proj.sum("agg-1"), "re-delivered event must be a no-op")
	assert.Equal(t, []int64{1}, proj.appliedSeqs())
}

func TestGapTriggersCatchUp(t *testing.T) {
	f := newFixture(t)
	proj := newCountProjection("counts", "a.changed")
	require.NoError(t, f.engine.Register(proj))
	require.NoError(t, f.engine.Start(context.Background()))

	f.append(t, "agg-1", 0, "a.changed", 1)
	f.append(t, "agg-1", 1, "a.changed", 2)
	evt3 := f.append(t, "agg-1", 2, "a.changed", 3)

	// Deliver only the third event; the first two reach the projection via
	// the catch-up replay.
	require.NoError(t, f.bus.Publish(context.Background(), evt3))
	require.NoError(t, f.bus.Close(context.Background()))

	assert.Equal(t, int64(6), proj.sum("agg-1"))
	cp, err := f.engine.Checkpoint("counts")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.Position)
	assert.Equal(t, StatusCaughtUp, cp.Status)
}

func TestUnrelatedTypesAdvanceCheckpoint(t *testing.T) {
	f := newFixture(t)
	proj := newCountProjection("counts", "a.changed")
	require.NoError(t, f.engine.Register(proj))
	require.NoError(t, f.engine.Start(context.Background()))

	f.append(t, "other-1", 0, "b.changed", 9)
	evt := f.append(t, "agg-1", 0, "a.changed", 4)
	require.NoError(t, f.bus.Publish(context.Background(), evt))
	require.NoError(t, f.bus.Close(context.Background()))

	assert.Equal(t, int64(4), proj.sum("agg-1"))
	assert.Equal(t, int64(0), proj.sum("other-1"))
	cp, err := f.engine.Checkpoint("counts")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Position, "checkpoint tracks the global sequence, not only handled types")
}

func TestApplyErrorIsolatesProjection(t *testing.T) {
	f := newFixture(t)

	failing := newCountProjection("failing", "a.changed")
	healthy := newCountProjection("healthy", "a.changed")
	require.NoError(t, f.engine.Register(failing))
	require.NoError(t, f.engine.Register(healthy))
	require.NoError(t, f.engine.Start(context.Background()))

	evt1 := f.append(t, "agg-1", 0, "a.changed", 1)
	require.NoError(t, f.bus.Publish(context.Background(), evt1))

	failing.setApply(func(evt eventstore.Event) error {
		if evt.GlobalSequence == 2 {
			return errors.New("boom")
		}
		return nil
	})

	evt2 := f.append(t, "agg-1", 1, "a.changed", 2)
	evt3 := f.append(t, "agg-1", 2, "a.changed", 3)
	require.NoError(t, f.bus.Publish(context.Background(), evt2))
	require.NoError(t, f.bus.Publish(context.Background(), evt3))
	require.NoError(t, f.bus.Close(context.Background()))

	// The event store still holds every event.
	events, err := f.store.EventsFor(context.Background(), "agg-1")
	require.NoError(t, err)
	assert.Len(t, events, 3)

	// The healthy projection kept applying.
	assert.Equal(t, int64(6), healthy.sum("agg-1"))

	// The failing projection froze at the last good position.
	cp, err := f.engine.Checkpoint("failing")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cp.Status)
	assert.Equal(t, int64(1), cp.Position)
	assert.Equal(t, int64(1), failing.sum("agg-1"))
}

func TestRebuildRecoversFailedProjection(t *testing.T) {
	f := newFixture(t)
	proj := newCountProjection("counts", "a.changed")
	require.NoError(t, f.engine.Register(proj))
	require.NoError(t, f.engine.Start(context.Background()))

	var failOnce sync.Once
	proj.setApply(func(evt eventstore.Event) error {
		var err error
		if evt.GlobalSequence == 2 {
			failOnce.Do(func() {
				err = errors.New("boom")
			})
		}
		return err
	})

	for i := int64(0); i < 3; i++ {
		evt := f.append(t, "agg-1", i, "a.changed", i+1)
		require.NoError(t, f.bus.Publish(context.Background(), evt))
	}
	require.NoError(t, f.bus.Close(context.Background()))

	cp, err := f.engine.Checkpoint("counts")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, cp.Status)

	require.NoError(t, f.engine.Rebuild(context.Background(), "counts"))

	cp, err = f.engine.Checkpoint("counts")
	require.NoError(t, err)
	assert.Equal(t, StatusCaughtUp, cp.Status)
	assert.Equal(t, int64(3), cp.Position)
	assert.Equal(t, int64(6), proj.sum("agg-1"), "rebuild from scratch must converge with live apply")
}

func TestRebuildEquivalentToLiveApply(t *testing.T) {
	f := newFixture(t)
	proj := newCountProjection("counts", "a.changed")
	require.NoError(t, f.engine.Register(proj))
	require.NoError(t, f.engine.Start(context.Background()))

	for i := int64(0); i < 5; i++ {
		evt := f.append(t, "agg-1", i, "a.changed", i)
		require.NoError(t, f.bus.Publish(context.Background(), evt))
	}
	require.NoError(t, f.bus.Close(context.Background()))
	liveSum := proj.sum("agg-1")

	require.NoError(t, f.engine.Rebuild(context.Background(), "counts"))
	assert.Equal(t, liveSum, proj.sum("agg-1"))
}

func TestRebuildDoesNotBlockOtherProjections(t *testing.T) {
	f := newFixture(t)
	slow := newCountProjection("slow", "a.changed")
	other := newCountProjection("other", "b.changed")
	require.NoError(t, f.engine.Register(slow))
	require.NoError(t, f.engine.Register(other))
	require.NoError(t, f.engine.Start(context.Background()))

	f.append(t, "agg-a", 0, "a.changed", 1)

	entered := make(chan struct{})
	gate := make(chan struct{})
	var enterOnce sync.Once
	slow.setApply(func(eventstore.Event) error {
		enterOnce.Do(func() { close(entered) })
		<-gate
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- f.engine.Rebuild(context.Background(), "slow") }()
	<-entered

	// With the rebuild parked inside apply, live events must still reach
	// the other projections.
	evt := f.append(t, "agg-b", 0, "b.changed", 7)
	require.NoError(t, f.bus.Publish(context.Background(), evt))
	require.Eventually(t, func() bool {
		return other.sum("agg-b") == 7
	}, time.Second, 5*time.Millisecond, "rebuild of one projection stalled delivery to another")

	slow.setApply(nil)
	close(gate)
	require.NoError(t, <-done)
	require.NoError(t, f.bus.Close(context.Background()))

	assert.Equal(t, int64(1), slow.sum("agg-a"))
	cp, err := f.engine.Checkpoint("slow")
	require.NoError(t, err)
	assert.Equal(t, StatusCaughtUp, cp.Status)
	assert.Equal(t, int64(2), cp.Position, "rebuild must fold in events appended while it ran")
}

func TestRebuildCancellationLeavesRebuilding(t *testing.T) {
	f := newFixture(t)
	proj := newCountProjection("counts", "a.changed")
	require.NoError(t, f.engine.Register(proj))
	require.NoError(t, f.engine.Start(context.Background()))
	for i := int64(0); i < 3; i++ {
		f.append(t, "agg-1", i, "a.changed", 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	proj.setApply(func(evt eventstore.Event) error {
		if evt.GlobalSequence == 2 {
			cancel()
		}
		return nil
	})
	err := f.engine.Rebuild(ctx, "counts")
	require.ErrorIs(t, err, context.Canceled)

	cp, cpErr := f.engine.Checkpoint("counts")
	require.NoError(t, cpErr)
	assert.Equal(t, StatusRebuilding, cp.Status)

	// A later rebuild restarts from zero and completes.
	proj.setApply(nil)
	require.NoError(t, f.engine.Rebuild(context.Background(), "counts"))
	assert.Equal(t, int64(3), proj.sum("agg-1"))
}

func TestStartResumesFromCheckpoint(t *testing.T) {
	store := eventstore.NewMemoryStore()
	checkpoints := NewMemoryCheckpoints()
	logger := testLogger()

	// First run: apply two events.
	bus1 := eventbus.New(store, logger)
	engine1 := NewEngine(store, bus1, checkpoints, logger)
	proj1 := newCountProjection("counts", "a.changed")
	require.NoError(t, engine1.Register(proj1))
	require.NoError(t, engine1.Start(context.Background()))
	for i := int64(0); i < 2; i++ {
		evt, err := store.Append(context.Background(), eventstore.AppendRequest{
			AggregateID: "agg-1", ExpectedVersion: i, Type: "a.changed", Payload: json.RawMessage(`{"n":1}`),
		})
		require.NoError(t, err)
		require.NoError(t, bus1.Publish(context.Background(), evt))
	}
	require.NoError(t, bus1.Close(context.Background()))

	// An event appended while the process is down.
	_, err := store.Append(context.Background(), eventstore.AppendRequest{
		AggregateID: "agg-1", ExpectedVersion: 2, Type: "a.changed", Payload: json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)

	// Second run: catch up from the stored checkpoint without a full rebuild.
	bus2 := eventbus.New(store, logger)
	engine2 := NewEngine(store, bus2, checkpoints, logger)
	proj2 := newCountProjection("counts", "a.changed")
	// Carry over the materialized state, as a durable collection would.
	proj2.sums = proj1.sums
	require.NoError(t, engine2.Register(proj2))
	require.NoError(t, engine2.Start(context.Background()))
	require.NoError(t, bus2.Close(context.Background()))

	assert.Equal(t, int64(3), proj2.sum("agg-1"))
	cp, err := engine2.Checkpoint("counts")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.Position)
}
