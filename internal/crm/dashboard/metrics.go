// Package dashboard maintains the per-user KPI view: pipeline value, won
// revenue and stage breakdown over the opportunities the user can access,
// TTL-cached like the access matrix.
package dashboard

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/salescommand/salescommand/internal/crm/access"
	"github.com/salescommand/salescommand/internal/crm/opportunities"
	"github.com/salescommand/salescommand/internal/crm/users"
	"github.com/salescommand/salescommand/internal/crm/viewcache"
)

// View names the cache namespace.
const View = "dashboard_metrics"

// StageStats aggregates one pipeline stage.
type StageStats struct {
	Count int     `json:"count"`
	Value float64 `json:"value"`
}

// TeamRollup aggregates the subordinate share of a manager's numbers.
type TeamRollup struct {
	MemberCount         int     `json:"member_count"`
	PipelineValue       float64 `json:"pipeline_value"`
	WonRevenue          float64 `json:"won_revenue"`
	ActiveOpportunities int     `json:"active_opportunities"`
}

// Metrics is the cached KPI entry for one user. Display fields are
// en-locale formatted copies of the raw numbers for direct rendering.
type Metrics struct {
	UserID               string                `json:"user_id"`
	PipelineValue        float64               `json:"pipeline_value"`
	PipelineValueDisplay string                `json:"pipeline_value_display"`
	WonRevenue           float64               `json:"won_revenue"`
	WonRevenueDisplay    string                `json:"won_revenue_display"`
	ActiveOpportunities  int                   `json:"active_opportunities"`
	ByStage              map[string]StageStats `json:"by_stage"`
	Team                 *TeamRollup           `json:"team,omitempty"`
	ComputedAt           time.Time             `json:"computed_at"`
	ExpiresAt            time.Time             `json:"expires_at"`
}

// Service serves and recomputes dashboard entries. Derived entirely from the
// opportunity views and the access matrix; never hand-edited.
type Service struct {
	users   users.Reader
	opps    opportunities.Reader
	matrix  *access.Matrix
	cache   *viewcache.Cache
	logger  *slog.Logger
	printer *message.Printer
}

// NewService constructs the projection.
func NewService(userReader users.Reader, oppReader opportunities.Reader, matrix *access.Matrix, cache *viewcache.Cache, logger *slog.Logger) *Service {
	return &Service{
		users:   userReader,
		opps:    oppReader,
		matrix:  matrix,
		cache:   cache,
		logger:  logger,
		printer: message.NewPrinter(language.English),
	}
}

// Get returns the user's metrics, recomputing when the cached entry is
// missing or expired, serving stale on recompute failure.
func (s *Service) Get(ctx context.Context, userID string) (Metrics, error) {
	var m Metrics
	meta, err := s.cache.Fetch(ctx, View, userID, &m, func(ctx context.Context) (any, error) {
		return s.compute(ctx, userID)
	})
	if err != nil {
		return Metrics{}, err
	}
	m.ComputedAt = meta.ComputedAt
	m.ExpiresAt = meta.ExpiresAt
	return m, nil
}

// Invalidate drops the cached entries for the given users.
func (s *Service) Invalidate(ctx context.Context, userIDs []string) error {
	return s.cache.Invalidate(ctx, View, userIDs...)
}

func (s *Service) compute(ctx context.Context, userID string) (Metrics, error) {
	entry, err := s.matrix.Get(ctx, userID)
	if err != nil {
		return Metrics{}, err
	}
	rows, err := s.opps.ListByIDs(ctx, entry.AccessibleOpportunityIDs)
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{UserID: userID, ByStage: make(map[string]StageStats)}
	for _, row := range rows {
		stats := m.ByStage[row.Stage]
		stats.Count++
		stats.Value += row.Amount
		m.ByStage[row.Stage] = stats

		switch {
		case row.Won():
			m.WonRevenue += row.Amount
		case row.Active():
			m.PipelineValue += row.Amount
			m.ActiveOpportunities++
		}
	}

	if rollup, err := s.teamRollup(ctx, userID, rows); err != nil {
		return Metrics{}, err
	} else if rollup != nil {
		m.Team = rollup
	}

	m.PipelineValueDisplay = s.printer.Sprintf("%.2f", m.PipelineValue)
	m.WonRevenueDisplay = s.printer.Sprintf("%.2f", m.WonRevenue)
	return m, nil
}

// teamRollup aggregates the rows owned by the user's direct and transitive
// reports. Nil for users without subordinates.
func (s *Service) teamRollup(ctx context.Context, userID string, rows []opportunities.Opportunity) (*TeamRollup, error) {
	subs, err := users.Subordinates(ctx, s.users, userID, s.matrixDepth())
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}

	members := make(map[string]struct{}, len(subs))
	for _, id := range subs {
		members[id] = struct{}{}
	}

	rollup := &TeamRollup{MemberCount: len(subs)}
	for _, row := range rows {
		if _, ok := members[row.OwnerID]; !ok {
			continue
		}
		switch {
		case row.Won():
			rollup.WonRevenue += row.Amount
		case row.Active():
			rollup.PipelineValue += row.Amount
			rollup.ActiveOpportunities++
		}
	}
	return rollup, nil
}

func (s *Service) matrixDepth() int { return s.matrix.Depth() }
