// Package opportunities maintains the opportunity_views materialized view:
// core fields plus a denormalized salesperson snapshot and the precomputed
// visibility set.
package opportunities

import (
	"time"

	"github.com/salescommand/salescommand/internal/crm"
)

// Salesperson is a point-in-time copy of the owner's profile taken at apply
// time, not a live reference. It is refreshed when the opportunity recurs or
// when the owner's profile change triggers a re-denormalization pass.
type Salesperson struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TeamID      string `json:"team_id"`
	ManagerID   string `json:"manager_id"`
	ManagerName string `json:"manager_name"`
}

// Opportunity is one materialized row per opportunity.
type Opportunity struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	OwnerID          string      `json:"owner_id"`
	AccountID        string      `json:"account_id"`
	Stage            string      `json:"stage"`
	Amount           float64     `json:"amount"`
	Salesperson      Salesperson `json:"salesperson"`
	VisibleToUserIDs []string    `json:"visible_to_user_ids"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// VisibleTo reports whether userID is in the visibility set.
func (o *Opportunity) VisibleTo(userID string) bool {
	for _, id := range o.VisibleToUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Active reports whether the opportunity is still open.
func (o *Opportunity) Active() bool { return !crm.StageClosed(o.Stage) }

// Won reports whether the opportunity closed won.
func (o *Opportunity) Won() bool { return o.Stage == crm.StageClosedWon }
