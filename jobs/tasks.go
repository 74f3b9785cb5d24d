package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAccessWarmup precomputes access matrices ahead of cache expiry.
	TaskAccessWarmup = "access:warmup"
)

// NewAccessWarmupTask constructs an Asynq task.
func NewAccessWarmupTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskAccessWarmup, nil), nil
}
