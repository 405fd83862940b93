package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/angelmondragon/chatrelay/pkg/logger"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxBackoff   = 10 * time.Second
	jitterWindow        = 250 * time.Millisecond
)

// Poller runs one poll cycle and reports how many records it handled.
type Poller interface {
	PollOnce(ctx context.Context) (int, error)
}

type LoopParams struct {
	Name       string
	Poller     Poller
	Logger     *logger.Logger
	Interval   time.Duration
	MaxBackoff time.Duration
}

// Loop schedules a Poller: immediately again after a productive cycle, after
// Interval when idle, and with doubling backoff after a failed cycle.
type Loop struct {
	name       string
	poller     Poller
	logg       *logger.Logger
	interval   time.Duration
	maxBackoff time.Duration
}

func NewLoop(params LoopParams) (*Loop, error) {
	if params.Poller == nil {
		return nil, errors.New("poller is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Name == "" {
		params.Name = "dispatch"
	}
	if params.Interval <= 0 {
		params.Interval = defaultPollInterval
	}
	if params.MaxBackoff < params.Interval {
		params.MaxBackoff = defaultMaxBackoff
	}
	return &Loop{
		name:       params.Name,
		poller:     params.Poller,
		logg:       params.Logger,
		interval:   params.Interval,
		maxBackoff: params.MaxBackoff,
	}, nil
}

// Run polls until ctx is cancelled and then returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = l.logg.WithField(ctx, "loop", l.name)
	l.logg.Info(ctx, "dispatch loop started")

	backoff := l.interval
	for {
		select {
		case <-ctx.Done():
			l.logg.Info(ctx, "dispatch loop stopped")
			return ctx.Err()
		default:
		}

		processed, err := l.poller.PollOnce(ctx)
		if err != nil {
			l.logg.Error(ctx, "dispatch poll failed", err)
			backoff = nextBackoff(backoff, l.interval, l.maxBackoff)
			if err := sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = l.interval

		if processed > 0 {
			continue
		}

		if err := sleep(ctx, withJitter(l.interval)); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, ceiling time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(jitterWindow)))
}
