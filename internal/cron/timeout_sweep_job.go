package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/metrics"
)

const defaultProcessingTimeout = 5 * time.Minute

type recoverer interface {
	RecoverTimeoutProcessing(ctx context.Context, before, recoveredAt time.Time, reason string) (int64, error)
}

// SweepTarget names a queue whose abandoned claims the sweep recovers.
type SweepTarget struct {
	Queue     string
	Recoverer recoverer
}

type TimeoutSweepJobParams struct {
	Logger            *logger.Logger
	Targets           []SweepTarget
	ProcessingTimeout time.Duration
	Metrics           *metrics.QueueMetrics
}

// NewTimeoutSweepJob builds the job that returns records stuck in processing
// longer than ProcessingTimeout to retry_pending.
func NewTimeoutSweepJob(params TimeoutSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if len(params.Targets) == 0 {
		return nil, fmt.Errorf("at least one sweep target required")
	}
	for _, target := range params.Targets {
		if target.Queue == "" || target.Recoverer == nil {
			return nil, fmt.Errorf("sweep target requires a queue name and recoverer")
		}
	}
	timeout := params.ProcessingTimeout
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	return &timeoutSweepJob{
		logg:    params.Logger,
		targets: params.Targets,
		timeout: timeout,
		metrics: params.Metrics,
		now:     time.Now,
	}, nil
}

type timeoutSweepJob struct {
	logg    *logger.Logger
	targets []SweepTarget
	timeout time.Duration
	metrics *metrics.QueueMetrics
	now     func() time.Time
}

func (j *timeoutSweepJob) Name() string { return "timeout-sweep" }

// Run sweeps every target even when an earlier one fails.
func (j *timeoutSweepJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	before := now.Add(-j.timeout)
	reason := fmt.Sprintf("processing timeout exceeded (%s)", j.timeout)

	var errs error
	for _, target := range j.targets {
		recovered, err := target.Recoverer.RecoverTimeoutProcessing(ctx, before, now, reason)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sweep %s: %w", target.Queue, err))
			continue
		}
		j.metrics.AddRecovered(target.Queue, recovered)
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"queue":     target.Queue,
			"before":    before,
			"recovered": recovered,
		}), "timeout sweep complete")
	}
	return errs
}
