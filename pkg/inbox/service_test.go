package inbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/chatrelay/pkg/db/dbtest"
	"github.com/angelmondragon/chatrelay/pkg/db/models"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/chatrelay/pkg/errors"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, maxAttempts int) (*Service, *fakeClock, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	clock := &fakeClock{now: t0}
	svc, err := NewService(ServiceParams{
		Repository:  NewRepository(conn),
		Logger:      logger.Nop(),
		MaxAttempts: maxAttempts,
		Now:         clock.Now,
	})
	require.NoError(t, err)
	return svc, clock, conn
}

func enqueue(t *testing.T, svc *Service, key string) models.InboxRecord {
	t.Helper()
	ctx := context.Background()
	created, err := svc.Enqueue(ctx, enums.InteractionBlockAction, key, []byte(`{"action":"approve"}`))
	require.NoError(t, err)
	require.True(t, created)
	records, err := svc.FindClaimable(ctx, enums.InteractionBlockAction, 100)
	require.NoError(t, err)
	for _, r := range records {
		if r.IdempotencyKey == key {
			return r
		}
	}
	t.Fatalf("record %s not claimable after enqueue", key)
	return models.InboxRecord{}
}

func claimableIDs(t *testing.T, svc *Service) []int64 {
	t.Helper()
	records, err := svc.FindClaimable(context.Background(), enums.InteractionBlockAction, 100)
	require.NoError(t, err)
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestEnqueueDeduplicatesByTypeAndKey(t *testing.T) {
	svc, _, conn := newTestService(t, 5)
	ctx := context.Background()

	created, err := svc.Enqueue(ctx, enums.InteractionBlockAction, "K1", []byte("a"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.Enqueue(ctx, enums.InteractionBlockAction, "K1", []byte("b"))
	require.NoError(t, err)
	assert.False(t, created)

	var count int64
	require.NoError(t, conn.Model(&models.InboxRecord{}).Where("idempotency_key = ?", "K1").Count(&count).Error)
	assert.EqualValues(t, 1, count)

	created, err = svc.Enqueue(ctx, enums.InteractionViewSubmission, "K1", []byte("c"))
	require.NoError(t, err)
	assert.True(t, created, "same key under another interaction type is a distinct record")
}

func TestEnqueueValidates(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "reaction_added", "K1", nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.Enqueue(ctx, enums.InteractionShortcut, "   ", nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestEnqueueRejectsPaddedKeys(t *testing.T) {
	svc, _, conn := newTestService(t, 5)
	ctx := context.Background()

	created, err := svc.Enqueue(ctx, enums.InteractionBlockAction, "K1", []byte("a"))
	require.NoError(t, err)
	require.True(t, created)

	for _, key := range []string{"K1 ", " K1", "K1\n"} {
		created, err := svc.Enqueue(ctx, enums.InteractionBlockAction, key, []byte("b"))
		assert.False(t, created, "key %q", key)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "key %q", key)
	}

	var count int64
	require.NoError(t, conn.Model(&models.InboxRecord{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

type failingRepo struct {
	repository
	err error
}

func (f failingRepo) Insert(context.Context, *models.InboxRecord) error { return f.err }

func TestEnqueuePropagatesStorageFaults(t *testing.T) {
	fault := errors.New("disk I/O error")
	svc, err := NewService(ServiceParams{Repository: failingRepo{err: fault}, Logger: logger.Nop()})
	require.NoError(t, err)

	created, err := svc.Enqueue(context.Background(), enums.InteractionSlashCommand, "K1", []byte("x"))
	assert.False(t, created)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault)
}

func TestClaimSecondCallerLoses(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	record := enqueue(t, svc, "K1")

	claim, ok, err := svc.Claim(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.ID, claim.ID)
	assert.True(t, t0.Equal(claim.ClaimedAt))

	_, ok, err = svc.Claim(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, claimableIDs(t, svc))
}

func TestClaimRaceHasSingleWinner(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	record := enqueue(t, svc, "K1")

	const racers = 20
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := svc.Claim(context.Background(), record.ID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
}

func TestCompleteSuccessMarksDone(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	record := enqueue(t, svc, "K1")

	claim, ok, err := svc.Claim(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, ok)

	status, err := svc.Complete(ctx, claim, nil)
	require.NoError(t, err)
	assert.Equal(t, enums.InboxDone, status)

	got, err := svc.FindByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.InboxDone, got.Status)
	assert.Nil(t, got.ProcessingStartedAt)
	assert.Empty(t, claimableIDs(t, svc))
}

func TestCompleteRetryableThenPermanent(t *testing.T) {
	svc, clock, _ := newTestService(t, 5)
	ctx := context.Background()
	record := enqueue(t, svc, "K1")

	claim, ok, err := svc.Claim(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, ok)

	status, err := svc.Complete(ctx, claim, retry.Transient(errors.New("chat platform throttled")))
	require.NoError(t, err)
	assert.Equal(t, enums.InboxRetryPending, status)
	assert.Empty(t, claimableIDs(t, svc), "retry waits out its backoff")

	got, err := svc.FindByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "throttled")
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, t0.Add(retry.DefaultBaseDelay).Equal(*got.NextAttemptAt))

	_, ok, err = svc.Claim(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, ok, "claim before the retry is due")

	clock.Advance(retry.DefaultBaseDelay)
	assert.Equal(t, []int64{record.ID}, claimableIDs(t, svc))
	claim, ok, err = svc.Claim(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, ok)

	status, err = svc.Complete(ctx, claim, errors.New("malformed payload"))
	require.NoError(t, err)
	assert.Equal(t, enums.InboxFailed, status)
	assert.Empty(t, claimableIDs(t, svc))

	failed, err := svc.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, record.ID, failed[0].ID)
	assert.Equal(t, "malformed payload", *failed[0].FailureReason)
}

func TestCompleteExhaustsRetryBudget(t *testing.T) {
	svc, clock, _ := newTestService(t, 2)
	ctx := context.Background()
	record := enqueue(t, svc, "K1")

	transient := retry.Transient(errors.New("connection reset"))
	want := []enums.InboxStatus{enums.InboxRetryPending, enums.InboxFailed}
	for attempt, expected := range want {
		clock.Advance(time.Minute)
		claim, ok, err := svc.Claim(ctx, record.ID)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", attempt+1)

		status, err := svc.Complete(ctx, claim, transient)
		require.NoError(t, err)
		assert.Equal(t, expected, status, "attempt %d", attempt+1)
	}

	got, err := svc.FindByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.InboxFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestSweepRecoversAbandonedClaim(t *testing.T) {
	svc, clock, _ := newTestService(t, 5)
	ctx := context.Background()
	record := enqueue(t, svc, "K1")

	claim, ok, err := svc.Claim(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(31 * time.Second)
	recovered, err := svc.RecoverTimeoutProcessing(ctx, t0.Add(30*time.Second), clock.Now(), "processing timeout")
	require.NoError(t, err)
	assert.EqualValues(t, 1, recovered)

	got, err := svc.FindByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.InboxRetryPending, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "processing timeout", *got.FailureReason)
	assert.Equal(t, []int64{record.ID}, claimableIDs(t, svc))

	_, err = svc.Complete(ctx, claim, nil)
	assert.ErrorIs(t, err, ErrClaimLost)

	got, err = svc.FindByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.InboxRetryPending, got.Status, "late completion must not overwrite the recovery")
}

func TestSweepLeavesFreshClaims(t *testing.T) {
	svc, clock, _ := newTestService(t, 5)
	ctx := context.Background()
	record := enqueue(t, svc, "K1")

	claim, ok, err := svc.Claim(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, ok)

	recovered, err := svc.RecoverTimeoutProcessing(ctx, t0, clock.Now(), "processing timeout")
	require.NoError(t, err)
	assert.Zero(t, recovered)

	status, err := svc.Complete(ctx, claim, nil)
	require.NoError(t, err)
	assert.Equal(t, enums.InboxDone, status)
}

func TestFindClaimableIsFIFOAndScopedByType(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()

	first := enqueue(t, svc, "K1")
	second := enqueue(t, svc, "K2")
	_, err := svc.Enqueue(ctx, enums.InteractionShortcut, "K3", []byte("x"))
	require.NoError(t, err)

	assert.Equal(t, []int64{first.ID, second.ID}, claimableIDs(t, svc))

	records, err := svc.FindClaimable(ctx, enums.InteractionBlockAction, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, first.ID, records[0].ID)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{Logger: logger.Nop()})
	assert.Error(t, err)
	_, err = NewService(ServiceParams{Repository: failingRepo{}})
	assert.Error(t, err)
}

func TestPurgeCompletedRemovesOnlyOldDoneRecords(t *testing.T) {
	svc, clock, _ := newTestService(t, 1)
	ctx := context.Background()

	done := enqueue(t, svc, "done")
	failed := enqueue(t, svc, "failed")
	for _, rec := range []models.InboxRecord{done, failed} {
		claim, won, err := svc.Claim(ctx, rec.ID)
		require.NoError(t, err)
		require.True(t, won)
		var outcome error
		if rec.ID == failed.ID {
			outcome = errors.New("bad payload")
		}
		_, err = svc.Complete(ctx, claim, outcome)
		require.NoError(t, err)
	}

	clock.Advance(72 * time.Hour)
	purged, err := svc.PurgeCompleted(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = svc.FindByID(ctx, done.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	got, err := svc.FindByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.InboxFailed, got.Status)
}

func TestCompleteBackoffDoublesPerAttempt(t *testing.T) {
	conn := dbtest.Open(t)
	clock := &fakeClock{now: t0}
	svc, err := NewService(ServiceParams{
		Repository:  NewRepository(conn),
		Logger:      logger.Nop(),
		MaxAttempts: 5,
		Backoff:     retry.Backoff{Base: time.Second, Max: 3 * time.Second},
		Now:         clock.Now,
	})
	require.NoError(t, err)
	ctx := context.Background()
	record := enqueue(t, svc, "K1")

	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		claim, ok, err := svc.Claim(ctx, record.ID)
		require.NoError(t, err)
		require.True(t, ok)
		claimedAt := clock.Now()

		_, err = svc.Complete(ctx, claim, retry.Transient(errors.New("connection reset")))
		require.NoError(t, err)

		got, err := svc.FindByID(ctx, record.ID)
		require.NoError(t, err)
		require.NotNil(t, got.NextAttemptAt)
		assert.True(t, claimedAt.Add(delay).Equal(*got.NextAttemptAt), "want %s after %s, got %s", delay, claimedAt, got.NextAttemptAt)

		clock.Advance(delay - time.Millisecond)
		assert.Empty(t, claimableIDs(t, svc))
		clock.Advance(time.Millisecond)
	}
}

func TestCompleteStoresRuneSafeFailureReason(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()
	record := enqueue(t, svc, "K1")

	claim, ok, err := svc.Claim(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// The error text puts a two-byte rune across the storage limit.
	message := strings.Repeat("a", maxFailureReasonLen-1) + "é tail"
	_, err = svc.Complete(ctx, claim, errors.New(message))
	require.NoError(t, err)

	got, err := svc.FindByID(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FailureReason)
	assert.True(t, utf8.ValidString(*got.FailureReason))
	assert.Equal(t, strings.Repeat("a", maxFailureReasonLen-1), *got.FailureReason)
}

func TestSweepFailsRecordWithSpentBudget(t *testing.T) {
	svc, clock, _ := newTestService(t, 2)
	ctx := context.Background()
	spent := enqueue(t, svc, "spent")
	fresh := enqueue(t, svc, "fresh")

	claim, ok, err := svc.Claim(ctx, spent.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = svc.Complete(ctx, claim, retry.Transient(errors.New("connection reset")))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	for _, id := range []int64{spent.ID, fresh.ID} {
		_, ok, err := svc.Claim(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	clock.Advance(time.Minute)
	recovered, err := svc.RecoverTimeoutProcessing(ctx, clock.Now().Add(-30*time.Second), clock.Now(), "processing timeout")
	require.NoError(t, err)
	assert.EqualValues(t, 2, recovered)

	got, err := svc.FindByID(ctx, spent.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.InboxFailed, got.Status, "the abandoned claim was the last allowed attempt")
	assert.Equal(t, 2, got.RetryCount)

	got, err = svc.FindByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.InboxRetryPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.NextAttemptAt)
	assert.Equal(t, []int64{fresh.ID}, claimableIDs(t, svc))
}
