package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/chatrelay/pkg/chat"
	"github.com/angelmondragon/chatrelay/pkg/db/dbtest"
	"github.com/angelmondragon/chatrelay/pkg/db/models"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	"github.com/angelmondragon/chatrelay/pkg/inbox"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/metrics"
	"github.com/angelmondragon/chatrelay/pkg/outbox"
	"github.com/angelmondragon/chatrelay/pkg/retry"
)

func newInboxService(t *testing.T, conn *gorm.DB) *inbox.Service {
	t.Helper()
	svc, err := inbox.NewService(inbox.ServiceParams{
		Repository:  inbox.NewRepository(conn),
		Logger:      logger.Nop(),
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	return svc
}

func newOutboxService(t *testing.T, conn *gorm.DB) *outbox.Service {
	t.Helper()
	svc, err := outbox.NewService(outbox.ServiceParams{
		Repository:  outbox.NewRepository(conn),
		Logger:      logger.Nop(),
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	return svc
}

func TestInboxWorkerHandlesEachRecordOnce(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newInboxService(t, conn)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := svc.Enqueue(ctx, enums.InteractionBlockAction, key, []byte(`{}`))
		require.NoError(t, err)
	}
	_, err := svc.Enqueue(ctx, enums.InteractionSlashCommand, "cmd", []byte(`{}`))
	require.NoError(t, err)

	var seen []string
	reg := prometheus.NewRegistry()
	queueMetrics := metrics.NewQueueMetrics(reg)
	worker, err := NewInboxWorker(InboxWorkerParams{
		Queue: svc,
		Handler: InboxHandlerFunc(func(_ context.Context, record models.InboxRecord) error {
			seen = append(seen, record.IdempotencyKey)
			return nil
		}),
		Types:   []enums.InteractionType{enums.InteractionBlockAction},
		Logger:  logger.Nop(),
		Metrics: queueMetrics,
	})
	require.NoError(t, err)

	handled, err := worker.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, handled)
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	handled, err = worker.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, handled)

	var done int64
	require.NoError(t, conn.Model(&models.InboxRecord{}).Where("status = ?", enums.InboxDone).Count(&done).Error)
	assert.EqualValues(t, 3, done)

	var pending models.InboxRecord
	require.NoError(t, conn.Where("interaction_type = ?", enums.InteractionSlashCommand).First(&pending).Error)
	assert.Equal(t, enums.InboxPending, pending.Status)

	series, err := testutil.GatherAndCount(reg, "chatrelay_queue_claims_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestInboxWorkerRecordsHandlerFailures(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newInboxService(t, conn)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, enums.InteractionShortcut, "transient", []byte(`{}`))
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, enums.InteractionShortcut, "permanent", []byte(`{}`))
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, enums.InteractionShortcut, "panics", []byte(`{}`))
	require.NoError(t, err)

	worker, err := NewInboxWorker(InboxWorkerParams{
		Queue: svc,
		Handler: InboxHandlerFunc(func(_ context.Context, record models.InboxRecord) error {
			switch record.IdempotencyKey {
			case "transient":
				return retry.Transient(errors.New("upstream busy"))
			case "permanent":
				return errors.New("bad payload")
			default:
				panic("handler exploded")
			}
		}),
		Types:  []enums.InteractionType{enums.InteractionShortcut},
		Logger: logger.Nop(),
	})
	require.NoError(t, err)

	handled, err := worker.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, handled)

	statuses := map[string]enums.InboxStatus{}
	var records []models.InboxRecord
	require.NoError(t, conn.Find(&records).Error)
	for _, record := range records {
		statuses[record.IdempotencyKey] = record.Status
		assert.Nil(t, record.ProcessingStartedAt)
		require.NotNil(t, record.FailureReason)
	}
	assert.Equal(t, enums.InboxRetryPending, statuses["transient"])
	assert.Equal(t, enums.InboxFailed, statuses["permanent"])
	assert.Equal(t, enums.InboxFailed, statuses["panics"])
}

func TestInboxWorkerHandlerSurvivesShutdown(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newInboxService(t, conn)
	_, err := svc.Enqueue(context.Background(), enums.InteractionBlockAction, "k", []byte(`{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	worker, err := NewInboxWorker(InboxWorkerParams{
		Queue: svc,
		Handler: InboxHandlerFunc(func(hctx context.Context, _ models.InboxRecord) error {
			cancel()
			if hctx.Err() != nil {
				return hctx.Err()
			}
			if _, ok := hctx.Deadline(); !ok {
				return errors.New("expected handler deadline")
			}
			return nil
		}),
		Types:          []enums.InteractionType{enums.InteractionBlockAction},
		HandlerTimeout: time.Second,
		Logger:         logger.Nop(),
	})
	require.NoError(t, err)

	handled, err := worker.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	var record models.InboxRecord
	require.NoError(t, conn.First(&record).Error)
	assert.Equal(t, enums.InboxDone, record.Status)
}

type lostClaimInbox struct {
	records   []models.InboxRecord
	completes int
}

func (q *lostClaimInbox) FindClaimable(context.Context, enums.InteractionType, int) ([]models.InboxRecord, error) {
	return q.records, nil
}

func (q *lostClaimInbox) Claim(_ context.Context, id int64) (inbox.Claim, bool, error) {
	if id%2 == 0 {
		return inbox.Claim{}, false, nil
	}
	return inbox.Claim{ID: id, ClaimedAt: time.Now()}, true, nil
}

func (q *lostClaimInbox) Complete(context.Context, inbox.Claim, error) (enums.InboxStatus, error) {
	q.completes++
	return "", inbox.ErrClaimLost
}

func TestInboxWorkerSkipsLostClaims(t *testing.T) {
	queue := &lostClaimInbox{records: []models.InboxRecord{{ID: 1}, {ID: 2}, {ID: 3}}}
	var calls int32
	worker, err := NewInboxWorker(InboxWorkerParams{
		Queue: queue,
		Handler: InboxHandlerFunc(func(context.Context, models.InboxRecord) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}),
		Types:  []enums.InteractionType{enums.InteractionBlockAction},
		Logger: logger.Nop(),
	})
	require.NoError(t, err)

	handled, err := worker.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, handled)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, 2, queue.completes)
}

type brokenInbox struct{ lostClaimInbox }

func (brokenInbox) FindClaimable(context.Context, enums.InteractionType, int) ([]models.InboxRecord, error) {
	return nil, errors.New("database is locked")
}

func TestInboxWorkerReturnsStorageErrors(t *testing.T) {
	worker, err := NewInboxWorker(InboxWorkerParams{
		Queue:   &brokenInbox{},
		Handler: InboxHandlerFunc(func(context.Context, models.InboxRecord) error { return nil }),
		Logger:  logger.Nop(),
	})
	require.NoError(t, err)

	_, err = worker.PollOnce(context.Background())
	assert.EqualError(t, err, "database is locked")
}

func TestNewInboxWorkerValidates(t *testing.T) {
	_, err := NewInboxWorker(InboxWorkerParams{Logger: logger.Nop()})
	assert.Error(t, err)
	_, err = NewInboxWorker(InboxWorkerParams{Queue: &lostClaimInbox{}, Logger: logger.Nop()})
	assert.Error(t, err)
	_, err = NewInboxWorker(InboxWorkerParams{
		Queue:   &lostClaimInbox{},
		Handler: InboxHandlerFunc(func(context.Context, models.InboxRecord) error { return nil }),
	})
	assert.Error(t, err)
}

func TestOutboxWorkerDispatchOutcomes(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newOutboxService(t, conn)
	ctx := context.Background()

	for _, key := range []string{"ok", "rate-limited", "rejected"} {
		msg, err := outbox.NewMessage(enums.MessageChannel, key, map[string]string{"text": key})
		require.NoError(t, err)
		_, err = svc.Enqueue(ctx, msg)
		require.NoError(t, err)
	}

	reg := prometheus.NewRegistry()
	worker, err := NewOutboxWorker(OutboxWorkerParams{
		Queue: svc,
		Notifier: NotifierFunc(func(_ context.Context, record models.OutboxRecord) error {
			switch *record.DedupKey {
			case "rate-limited":
				return &chat.TransientError{Method: chat.MethodPostMessage, Code: "ratelimited", RetryAfter: time.Second}
			case "rejected":
				return &chat.APIError{Method: chat.MethodPostMessage, Code: "channel_not_found"}
			}
			return nil
		}),
		Logger:  logger.Nop(),
		Metrics: metrics.NewQueueMetrics(reg),
	})
	require.NoError(t, err)

	sent, err := worker.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	var records []models.OutboxRecord
	require.NoError(t, conn.Order("id").Find(&records).Error)
	require.Len(t, records, 3)
	assert.Equal(t, enums.OutboxSent, records[0].Status)
	assert.Equal(t, enums.OutboxRetryPending, records[1].Status)
	assert.Equal(t, 1, records[1].RetryCount)
	assert.Equal(t, enums.OutboxFailed, records[2].Status)

	require.NotNil(t, records[1].NextAttemptAt)
	assert.False(t, records[1].NextAttemptAt.Before(records[1].UpdatedAt.Add(time.Second)), "Retry-After sets the earliest retry")

	sent, err = worker.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent, "rate-limited message is not retried before it is due")

	series, err := testutil.GatherAndCount(reg, "chatrelay_queue_completions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}

type staticOutbox struct {
	records []models.OutboxRecord
	err     error
}

func (q *staticOutbox) FindPending(context.Context, int) ([]models.OutboxRecord, error) {
	return q.records, q.err
}

func (q *staticOutbox) MarkProcessingIfPending(_ context.Context, id int64) (outbox.Claim, bool, error) {
	return outbox.Claim{ID: id, ClaimedAt: time.Now()}, true, nil
}

func (q *staticOutbox) Complete(context.Context, outbox.Claim, error) (enums.OutboxStatus, error) {
	return "", errors.New("connection reset")
}

func TestOutboxWorkerStopsOnCompletionStorageError(t *testing.T) {
	queue := &staticOutbox{records: []models.OutboxRecord{{ID: 1}, {ID: 2}}}
	var calls int
	worker, err := NewOutboxWorker(OutboxWorkerParams{
		Queue: queue,
		Notifier: NotifierFunc(func(context.Context, models.OutboxRecord) error {
			calls++
			return nil
		}),
		Logger: logger.Nop(),
	})
	require.NoError(t, err)

	sent, err := worker.PollOnce(context.Background())
	assert.EqualError(t, err, "connection reset")
	assert.Zero(t, sent)
	assert.Equal(t, 1, calls)
}

func TestOutboxWorkerStopsClaimingAfterCancel(t *testing.T) {
	queue := &staticOutbox{records: []models.OutboxRecord{{ID: 1}, {ID: 2}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	worker, err := NewOutboxWorker(OutboxWorkerParams{
		Queue:    queue,
		Notifier: NotifierFunc(func(context.Context, models.OutboxRecord) error { t.Fatal("unexpected dispatch"); return nil }),
		Logger:   logger.Nop(),
	})
	require.NoError(t, err)

	sent, err := worker.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func runTransientOutboxLoop(t *testing.T, backoff retry.Backoff, maxAttempts int, runFor time.Duration) (int32, models.OutboxRecord) {
	t.Helper()
	conn := dbtest.Open(t)
	svc, err := outbox.NewService(outbox.ServiceParams{
		Repository:  outbox.NewRepository(conn),
		Logger:      logger.Nop(),
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
	})
	require.NoError(t, err)
	msg, err := outbox.NewMessage(enums.MessageChannel, "", map[string]string{"text": "hi"})
	require.NoError(t, err)
	_, err = svc.Enqueue(context.Background(), msg)
	require.NoError(t, err)

	var calls atomic.Int32
	worker, err := NewOutboxWorker(OutboxWorkerParams{
		Queue: svc,
		Notifier: NotifierFunc(func(context.Context, models.OutboxRecord) error {
			calls.Add(1)
			return retry.Transient(errors.New("chat platform unreachable"))
		}),
		Logger: logger.Nop(),
	})
	require.NoError(t, err)
	loop, err := NewLoop(LoopParams{Name: "outbox", Poller: worker, Logger: testLogger(), Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), runFor)
	defer cancel()
	assert.ErrorIs(t, loop.Run(ctx), context.DeadlineExceeded)

	var record models.OutboxRecord
	require.NoError(t, conn.First(&record).Error)
	return calls.Load(), record
}

func TestLoopDoesNotBurnRetriesOnTransientFailure(t *testing.T) {
	calls, record := runTransientOutboxLoop(t, retry.Backoff{Base: time.Hour, Max: time.Hour}, 10, 300*time.Millisecond)

	assert.EqualValues(t, 1, calls)
	assert.Equal(t, enums.OutboxRetryPending, record.Status)
	assert.Equal(t, 1, record.RetryCount)
}

func TestLoopRetriesTransientFailureOnceDue(t *testing.T) {
	calls, record := runTransientOutboxLoop(t, retry.Backoff{Base: 100 * time.Millisecond, Max: 100 * time.Millisecond}, 50, time.Second)

	assert.GreaterOrEqual(t, calls, int32(2))
	assert.LessOrEqual(t, calls, int32(11), "attempts are spaced by the backoff")
	assert.Equal(t, enums.OutboxRetryPending, record.Status)
}
