// Package ingest accepts change events from the CRM source of record,
// persists them, and publishes them to the in-process bus.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/salescommand/salescommand/internal/crm"
	"github.com/salescommand/salescommand/internal/eventbus"
	"github.com/salescommand/salescommand/internal/eventstore"
)

// MetricsRecorder counts appended events. Optional.
type MetricsRecorder interface {
	RecordEventAppended(eventType string)
}

// Service validates and records incoming events. Persisting and
// publishing are separate steps: a publish failure leaves the event
// durable in the store, and projections recover it by catch-up replay.
type Service struct {
	store    eventstore.Store
	bus      *eventbus.Bus
	logger   *slog.Logger
	validate *validator.Validate
	metrics  MetricsRecorder
}

// SetMetrics attaches an optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) { s.metrics = m }

// NewService constructs an ingest service.
func NewService(store eventstore.Store, bus *eventbus.Bus, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		bus:      bus,
		logger:   logger,
		validate: validator.New(),
	}
}

// Record validates req, appends it to the event store, and publishes the
// stored event. Returns eventstore.ErrConcurrencyConflict when the
// expected version does not match.
func (s *Service) Record(ctx context.Context, req eventstore.AppendRequest) (eventstore.Event, error) {
	if err := s.validate.Struct(req); err != nil {
		return eventstore.Event{}, fmt.Errorf("ingest: invalid request: %w", err)
	}

	evt, err := s.store.Append(ctx, req)
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("ingest: append: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordEventAppended(evt.Type)
	}

	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Error("publish stored event",
			slog.String("event_id", evt.ID),
			slog.Int64("global_sequence", evt.GlobalSequence),
			slog.Any("error", err))
	}
	return evt, nil
}

// RecordUserSynced appends a user snapshot event at the expected version.
func (s *Service) RecordUserSynced(ctx context.Context, expectedVersion int64, p crm.UserSyncedPayload) (eventstore.Event, error) {
	return s.Record(ctx, eventstore.AppendRequest{
		AggregateID:     p.UserID,
		ExpectedVersion: expectedVersion,
		Type:            crm.EventUserSynced,
		Payload:         crm.MustPayload(p),
	})
}

// RecordOpportunitySynced appends an opportunity snapshot event at the
// expected version.
func (s *Service) RecordOpportunitySynced(ctx context.Context, expectedVersion int64, p crm.OpportunitySyncedPayload) (eventstore.Event, error) {
	return s.Record(ctx, eventstore.AppendRequest{
		AggregateID:     p.OpportunityID,
		ExpectedVersion: expectedVersion,
		Type:            crm.EventOpportunitySynced,
		Payload:         crm.MustPayload(p),
	})
}
