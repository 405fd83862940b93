package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/chatrelay/pkg/db/models"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	"github.com/angelmondragon/chatrelay/pkg/inbox"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/metrics"
)

const (
	defaultBatchSize      = 25
	defaultHandlerTimeout = 30 * time.Second
)

// InboxHandler processes one claimed inbox record. Returning nil marks the
// record done; the error otherwise decides between retry and failure.
type InboxHandler interface {
	Handle(ctx context.Context, record models.InboxRecord) error
}

type InboxHandlerFunc func(ctx context.Context, record models.InboxRecord) error

func (f InboxHandlerFunc) Handle(ctx context.Context, record models.InboxRecord) error {
	return f(ctx, record)
}

type inboxQueue interface {
	FindClaimable(ctx context.Context, interactionType enums.InteractionType, limit int) ([]models.InboxRecord, error)
	Claim(ctx context.Context, id int64) (inbox.Claim, bool, error)
	Complete(ctx context.Context, claim inbox.Claim, outcome error) (enums.InboxStatus, error)
}

type InboxWorkerParams struct {
	Queue          inboxQueue
	Handler        InboxHandler
	Types          []enums.InteractionType
	BatchSize      int
	HandlerTimeout time.Duration
	Logger         *logger.Logger
	Metrics        *metrics.QueueMetrics
}

type InboxWorker struct {
	queue          inboxQueue
	handler        InboxHandler
	types          []enums.InteractionType
	batchSize      int
	handlerTimeout time.Duration
	logg           *logger.Logger
	metrics        *metrics.QueueMetrics
}

func NewInboxWorker(params InboxWorkerParams) (*InboxWorker, error) {
	if params.Queue == nil {
		return nil, errors.New("inbox queue is required")
	}
	if params.Handler == nil {
		return nil, errors.New("inbox handler is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if len(params.Types) == 0 {
		params.Types = enums.InteractionTypes()
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultBatchSize
	}
	if params.HandlerTimeout <= 0 {
		params.HandlerTimeout = defaultHandlerTimeout
	}
	return &InboxWorker{
		queue:          params.Queue,
		handler:        params.Handler,
		types:          params.Types,
		batchSize:      params.BatchSize,
		handlerTimeout: params.HandlerTimeout,
		logg:           params.Logger,
		metrics:        params.Metrics,
	}, nil
}

// PollOnce claims and handles up to BatchSize records of each configured
// interaction type. It stops claiming once ctx is cancelled; records already
// claimed are still completed.
func (w *InboxWorker) PollOnce(ctx context.Context) (int, error) {
	ctx = w.logg.WithQueue(ctx, metrics.QueueInbox)
	handled := 0
	for _, interactionType := range w.types {
		if ctx.Err() != nil {
			return handled, nil
		}
		records, err := w.queue.FindClaimable(ctx, interactionType, w.batchSize)
		if err != nil {
			return handled, err
		}
		for _, record := range records {
			if ctx.Err() != nil {
				return handled, nil
			}
			ok, err := w.process(ctx, record)
			if err != nil {
				return handled, err
			}
			if ok {
				handled++
			}
		}
	}
	return handled, nil
}

func (w *InboxWorker) process(ctx context.Context, record models.InboxRecord) (bool, error) {
	store := context.WithoutCancel(w.logg.WithFields(ctx, map[string]any{
		"record_id":        record.ID,
		"interaction_type": record.InteractionType,
		"idempotency_key":  record.IdempotencyKey,
	}))

	claim, won, err := w.queue.Claim(store, record.ID)
	if err != nil {
		return false, err
	}
	w.metrics.IncClaim(metrics.QueueInbox, won)
	if !won {
		w.logg.Debug(store, "inbox.claim_skipped")
		return false, nil
	}

	started := time.Now()
	outcome := invoke(store, w.handlerTimeout, func(ctx context.Context) error {
		return w.handler.Handle(ctx, record)
	})
	w.metrics.ObserveDispatch(metrics.QueueInbox, time.Since(started))
	if outcome != nil {
		w.logg.Warn(w.logg.WithField(store, "error", outcome.Error()), "inbox.handler_failed")
	}

	status, err := w.queue.Complete(store, claim, outcome)
	if errors.Is(err, inbox.ErrClaimLost) {
		w.metrics.IncCompletion(metrics.QueueInbox, metrics.ClaimLost)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.metrics.IncCompletion(metrics.QueueInbox, string(status))
	return true, nil
}
