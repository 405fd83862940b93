package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/chatrelay/pkg/logger"
)

const defaultRetention = 30 * 24 * time.Hour

type purger interface {
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error)
}

type RetentionTarget struct {
	Queue  string
	Purger purger
}

type RetentionJobParams struct {
	Logger    *logger.Logger
	Targets   []RetentionTarget
	Retention time.Duration
}

// NewRetentionJob builds the job that deletes successfully settled records
// older than Retention. Failed records are left for operators.
func NewRetentionJob(params RetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if len(params.Targets) == 0 {
		return nil, fmt.Errorf("at least one retention target required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &retentionJob{
		logg:      params.Logger,
		targets:   params.Targets,
		retention: retention,
		now:       time.Now,
	}, nil
}

type retentionJob struct {
	logg      *logger.Logger
	targets   []RetentionTarget
	retention time.Duration
	now       func() time.Time
}

func (j *retentionJob) Name() string { return "retention" }

func (j *retentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var errs error
	for _, target := range j.targets {
		deleted, err := target.Purger.PurgeCompleted(ctx, cutoff)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("purge %s: %w", target.Queue, err))
			continue
		}
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"queue":        target.Queue,
			"cutoff":       cutoff,
			"rows_deleted": deleted,
		}), "retention cleanup complete")
	}
	return errs
}
