// Package eventbus fans appended events out to subscribers and replays
// history from the event store.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/salescommand/salescommand/internal/eventstore"
)

// DefaultBufferSize bounds how far a subscriber may lag behind the publisher
// before publishes start blocking on it.
const DefaultBufferSize = 256

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("eventbus: closed")

// HandlerFunc processes a single delivered event. Errors are isolated to the
// subscriber that returned them.
type HandlerFunc func(ctx context.Context, evt eventstore.Event) error

type subscriber struct {
	name  string
	types map[string]struct{}
	fn    HandlerFunc
	ch    chan eventstore.Event
	done  chan struct{}
}

// Bus is an in-process publish/subscribe dispatcher. Each subscriber gets a
// dedicated delivery goroutine fed in publish order, so every subscriber sees
// events in ascending global sequence and therefore in non-decreasing
// per-aggregate version order. Construct one instance and pass it explicitly
// to every component that needs it.
type Bus struct {
	store  eventstore.Store
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	subs   []*subscriber
	closed bool
}

// New constructs a bus that replays from store.
func New(store eventstore.Store, logger *slog.Logger) *Bus {
	return &Bus{store: store, logger: logger, buffer: DefaultBufferSize}
}

// Subscribe registers a handler for the given event types and starts its
// delivery goroutine. Multiple handlers per type run independently.
func (b *Bus) Subscribe(name string, types []string, fn HandlerFunc) error {
	if name == "" || fn == nil {
		return errors.New("eventbus: subscriber name and handler required")
	}

	sub := &subscriber{
		name:  name,
		types: make(map[string]struct{}, len(types)),
		fn:    fn,
		ch:    make(chan eventstore.Event, b.buffer),
		done:  make(chan struct{}),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subs = append(b.subs, sub)
	go b.deliver(sub)
	return nil
}

func (b *Bus) deliver(sub *subscriber) {
	defer close(sub.done)
	for evt := range sub.ch {
		if err := sub.fn(context.Background(), evt); err != nil {
			b.logger.Error("event handler failed",
				slog.String("subscriber", sub.name),
				slog.String("event_type", evt.Type),
				slog.Int64("global_sequence", evt.GlobalSequence),
				slog.Any("error", err))
		}
	}
}

// Publish hands the event to every subscriber of its type. The event is
// already durable when Publish is called; delivery happens on the
// subscribers' goroutines and a failing handler never affects the others.
func (b *Bus) Publish(ctx context.Context, evt eventstore.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		if _, ok := sub.types[evt.Type]; !ok {
			continue
		}
		select {
		case sub.ch <- evt:
		case <-ctx.Done():
			return fmt.Errorf("eventbus: publish to %s: %w", sub.name, ctx.Err())
		}
	}
	return nil
}

// Replay delivers historical events after fromSeq to a single handler in
// ascending global sequence order. Used by projection rebuild and catch-up.
func (b *Bus) Replay(ctx context.Context, fromSeq int64, fn HandlerFunc) error {
	events, err := b.store.EventsSince(ctx, fromSeq)
	if err != nil {
		return fmt.Errorf("eventbus: replay read: %w", err)
	}
	for _, evt := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting publishes and drains in-flight deliveries, waiting
// until every subscriber goroutine has finished or ctx expires.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		close(sub.ch)
		sub := sub
		g.Go(func() error {
			select {
			case <-sub.done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("eventbus: drain %s: %w", sub.name, ctx.Err())
			}
		})
	}
	return g.Wait()
}
