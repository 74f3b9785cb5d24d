// Package users maintains the user_profiles materialized view and the
// reporting hierarchy derived from it.
package users

import "time"

// Profile is one materialized row per user. SubordinateIDs holds direct
// reports only; deeper traversal is done on demand with a bounded walk.
type Profile struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	TeamID         string    `json:"team_id"`
	ManagerID      string    `json:"manager_id"`
	SubordinateIDs []string  `json:"subordinate_ids"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasSubordinate reports whether userID is a direct report.
func (p *Profile) HasSubordinate(userID string) bool {
	for _, id := range p.SubordinateIDs {
		if id == userID {
			return true
		}
	}
	return false
}
