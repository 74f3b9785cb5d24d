// Package eventstore persists the append-only, per-aggregate-versioned event log.
package eventstore

import (
	"encoding/json"
	"time"
)

// Event is an immutable record of a single aggregate change. Fields are never
// mutated after Append returns.
type Event struct {
	ID               string          `json:"id"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateVersion int64           `json:"aggregate_version"`
	GlobalSequence   int64           `json:"global_sequence"`
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// AppendRequest carries the parameters for a single append. ExpectedVersion
// must equal the aggregate's current highest version (0 for a new aggregate).
type AppendRequest struct {
	AggregateID     string          `json:"aggregate_id" validate:"required"`
	ExpectedVersion int64           `json:"expected_version" validate:"gte=0"`
	Type            string          `json:"type" validate:"required"`
	Payload         json.RawMessage `json:"payload" validate:"required"`
}
