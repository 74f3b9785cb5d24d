// Package crm defines the domain events the sync connector appends and the
// payload shapes the projections fold.
package crm

import (
	"encoding/json"
	"fmt"

	"github.com/salescommand/salescommand/internal/eventstore"
)

// Event types produced by the sync connector, one per detected change in the
// source of record. Created/Updated semantics are both carried by the synced
// types; deletes get their own type.
const (
	EventUserSynced         = "crm.user.synced"
	EventUserDeleted        = "crm.user.deleted"
	EventOpportunitySynced  = "crm.opportunity.synced"
	EventOpportunityDeleted = "crm.opportunity.deleted"
)

// Opportunity stages as they appear in the source of record.
const (
	StageProspecting   = "prospecting"
	StageQualification = "qualification"
	StageProposal      = "proposal"
	StageNegotiation   = "negotiation"
	StageClosedWon     = "closed_won"
	StageClosedLost    = "closed_lost"
)

// StageClosed reports whether a stage terminates the opportunity.
func StageClosed(stage string) bool {
	return stage == StageClosedWon || stage == StageClosedLost
}

// UserSyncedPayload is the payload of EventUserSynced.
type UserSyncedPayload struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	TeamID    string `json:"team_id"`
	ManagerID string `json:"manager_id"`
}

// UserDeletedPayload is the payload of EventUserDeleted.
type UserDeletedPayload struct {
	UserID string `json:"user_id"`
}

// OpportunitySyncedPayload is the payload of EventOpportunitySynced.
type OpportunitySyncedPayload struct {
	OpportunityID string  `json:"opportunity_id"`
	Name          string  `json:"name"`
	OwnerID       string  `json:"owner_id"`
	AccountID     string  `json:"account_id"`
	Stage         string  `json:"stage"`
	Amount        float64 `json:"amount"`
}

// OpportunityDeletedPayload is the payload of EventOpportunityDeleted.
type OpportunityDeletedPayload struct {
	OpportunityID string `json:"opportunity_id"`
}

// DecodePayload unmarshals an event payload into dest, wrapping decode
// failures with the event coordinates for the projection error path.
func DecodePayload(evt eventstore.Event, dest any) error {
	if err := json.Unmarshal(evt.Payload, dest); err != nil {
		return fmt.Errorf("crm: decode %s payload at sequence %d: %w", evt.Type, evt.GlobalSequence, err)
	}
	return nil
}

// MustPayload marshals a payload struct for appends; it panics only on
// unmarshalable values, which would be a programming error.
func MustPayload(payload any) json.RawMessage {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return raw
}
