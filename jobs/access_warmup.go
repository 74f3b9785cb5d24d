package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/salescommand/salescommand/internal/crm/access"
	"github.com/salescommand/salescommand/internal/crm/users"
	jobmetrics "github.com/salescommand/salescommand/internal/jobs"
)

// AccessWarmupJob recomputes the access matrix for every known user so the
// morning traffic hits warm cache entries.
type AccessWarmupJob struct {
	users   users.Reader
	matrix  *access.Matrix
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewAccessWarmupJob constructs the job handler.
func NewAccessWarmupJob(userReader users.Reader, matrix *access.Matrix, logger *slog.Logger, metrics *jobmetrics.Metrics) *AccessWarmupJob {
	return &AccessWarmupJob{users: userReader, matrix: matrix, logger: logger, metrics: metrics}
}

// Handle processes TaskAccessWarmup tasks.
func (j *AccessWarmupJob) Handle(ctx context.Context, _ *asynq.Task) error {
	tracker := j.metrics.Track("access_warmup")

	profiles, err := j.users.List(ctx)
	if err != nil {
		return tracker.End(fmt.Errorf("jobs: list users: %w", err))
	}

	var failed int
	for _, p := range profiles {
		if ctx.Err() != nil {
			return tracker.End(ctx.Err())
		}
		if _, err := j.matrix.Get(ctx, p.ID); err != nil {
			failed++
			j.logger.Warn("access warmup", slog.String("user_id", p.ID), slog.Any("error", err))
		}
	}
	j.logger.Info("access warmup complete",
		slog.Int("users", len(profiles)),
		slog.Int("failed", failed))
	return tracker.End(nil)
}
