package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/chatrelay/pkg/db/models"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/metrics"
	"github.com/angelmondragon/chatrelay/pkg/outbox"
)

const (
	defaultOutboxBatchSize = 50
	defaultDispatchTimeout = 15 * time.Second
)

// Notifier delivers one claimed outbox record to the chat platform.
type Notifier interface {
	Notify(ctx context.Context, record models.OutboxRecord) error
}

type NotifierFunc func(ctx context.Context, record models.OutboxRecord) error

func (f NotifierFunc) Notify(ctx context.Context, record models.OutboxRecord) error {
	return f(ctx, record)
}

type outboxQueue interface {
	FindPending(ctx context.Context, limit int) ([]models.OutboxRecord, error)
	MarkProcessingIfPending(ctx context.Context, id int64) (outbox.Claim, bool, error)
	Complete(ctx context.Context, claim outbox.Claim, outcome error) (enums.OutboxStatus, error)
}

type OutboxWorkerParams struct {
	Queue           outboxQueue
	Notifier        Notifier
	BatchSize       int
	DispatchTimeout time.Duration
	Logger          *logger.Logger
	Metrics         *metrics.QueueMetrics
}

type OutboxWorker struct {
	queue           outboxQueue
	notifier        Notifier
	batchSize       int
	dispatchTimeout time.Duration
	logg            *logger.Logger
	metrics         *metrics.QueueMetrics
}

func NewOutboxWorker(params OutboxWorkerParams) (*OutboxWorker, error) {
	if params.Queue == nil {
		return nil, errors.New("outbox queue is required")
	}
	if params.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultOutboxBatchSize
	}
	if params.DispatchTimeout <= 0 {
		params.DispatchTimeout = defaultDispatchTimeout
	}
	return &OutboxWorker{
		queue:           params.Queue,
		notifier:        params.Notifier,
		batchSize:       params.BatchSize,
		dispatchTimeout: params.DispatchTimeout,
		logg:            params.Logger,
		metrics:         params.Metrics,
	}, nil
}

// PollOnce claims and sends up to BatchSize pending messages in id order.
func (w *OutboxWorker) PollOnce(ctx context.Context) (int, error) {
	ctx = w.logg.WithQueue(ctx, metrics.QueueOutbox)
	records, err := w.queue.FindPending(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return sent, nil
		}
		ok, err := w.process(ctx, record)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (w *OutboxWorker) process(ctx context.Context, record models.OutboxRecord) (bool, error) {
	fields := map[string]any{
		"record_id":    record.ID,
		"message_type": record.MessageType,
		"retry_count":  record.RetryCount,
	}
	if record.DedupKey != nil {
		fields["dedup_key"] = *record.DedupKey
	}
	store := context.WithoutCancel(w.logg.WithFields(ctx, fields))

	claim, won, err := w.queue.MarkProcessingIfPending(store, record.ID)
	if err != nil {
		return false, err
	}
	w.metrics.IncClaim(metrics.QueueOutbox, won)
	if !won {
		w.logg.Debug(store, "outbox.claim_skipped")
		return false, nil
	}

	started := time.Now()
	outcome := invoke(store, w.dispatchTimeout, func(ctx context.Context) error {
		return w.notifier.Notify(ctx, record)
	})
	w.metrics.ObserveDispatch(metrics.QueueOutbox, time.Since(started))
	if outcome != nil {
		w.logg.Warn(w.logg.WithField(store, "error", outcome.Error()), "outbox.dispatch_failed")
	}

	status, err := w.queue.Complete(store, claim, outcome)
	if errors.Is(err, outbox.ErrClaimLost) {
		w.metrics.IncCompletion(metrics.QueueOutbox, metrics.ClaimLost)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.metrics.IncCompletion(metrics.QueueOutbox, string(status))
	return true, nil
}
