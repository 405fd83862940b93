package cron

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/angelmondragon/chatrelay/pkg/db/dbtest"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	"github.com/angelmondragon/chatrelay/pkg/inbox"
	"github.com/angelmondragon/chatrelay/pkg/metrics"
)

type fakeRecoverer struct {
	before, at time.Time
	reason     string
	recovered  int64
	err        error
}

func (f *fakeRecoverer) RecoverTimeoutProcessing(_ context.Context, before, at time.Time, reason string) (int64, error) {
	f.before, f.at, f.reason = before, at, reason
	return f.recovered, f.err
}

func TestTimeoutSweepJobUsesThreshold(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	in := &fakeRecoverer{recovered: 2}
	out := &fakeRecoverer{}
	reg := prometheus.NewRegistry()
	queueMetrics := metrics.NewQueueMetrics(reg)

	jobIface, err := NewTimeoutSweepJob(TimeoutSweepJobParams{
		Logger:            testLogger(),
		Targets:           []SweepTarget{{Queue: metrics.QueueInbox, Recoverer: in}, {Queue: metrics.QueueOutbox, Recoverer: out}},
		ProcessingTimeout: 10 * time.Minute,
		Metrics:           queueMetrics,
	})
	if err != nil {
		t.Fatalf("NewTimeoutSweepJob: %v", err)
	}
	job := jobIface.(*timeoutSweepJob)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !in.before.Equal(now.Add(-10*time.Minute)) || !in.at.Equal(now) {
		t.Fatalf("unexpected threshold before=%s at=%s", in.before, in.at)
	}
	if !strings.Contains(in.reason, "processing timeout") {
		t.Fatalf("unexpected reason %q", in.reason)
	}
	if !out.before.Equal(in.before) {
		t.Fatalf("both queues should share the threshold")
	}
	if n, err := testutil.GatherAndCount(reg, "chatrelay_queue_timeout_recovered_total"); err != nil || n != 1 {
		t.Fatalf("expected recovered series only for the inbox, got %d (err=%v)", n, err)
	}
}

func TestTimeoutSweepJobContinuesAfterFailure(t *testing.T) {
	broken := &fakeRecoverer{err: errors.New("database is locked")}
	healthy := &fakeRecoverer{recovered: 1}
	job, err := NewTimeoutSweepJob(TimeoutSweepJobParams{
		Logger:  testLogger(),
		Targets: []SweepTarget{{Queue: "inbox", Recoverer: broken}, {Queue: "outbox", Recoverer: healthy}},
	})
	if err != nil {
		t.Fatalf("NewTimeoutSweepJob: %v", err)
	}

	err = job.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "sweep inbox") {
		t.Fatalf("expected inbox sweep error, got %v", err)
	}
	if healthy.at.IsZero() {
		t.Fatal("outbox sweep should still run")
	}
}

func TestNewTimeoutSweepJobValidates(t *testing.T) {
	if _, err := NewTimeoutSweepJob(TimeoutSweepJobParams{Targets: []SweepTarget{{Queue: "q", Recoverer: &fakeRecoverer{}}}}); err == nil {
		t.Fatal("expected logger error")
	}
	if _, err := NewTimeoutSweepJob(TimeoutSweepJobParams{Logger: testLogger()}); err == nil {
		t.Fatal("expected targets error")
	}
	if _, err := NewTimeoutSweepJob(TimeoutSweepJobParams{Logger: testLogger(), Targets: []SweepTarget{{Queue: "q"}}}); err == nil {
		t.Fatal("expected recoverer error")
	}
}

func TestTimeoutSweepJobRecoversStaleInboxClaims(t *testing.T) {
	conn := dbtest.Open(t)
	svc, err := inbox.NewService(inbox.ServiceParams{Repository: inbox.NewRepository(conn), Logger: testLogger()})
	if err != nil {
		t.Fatalf("inbox service: %v", err)
	}
	ctx := context.Background()
	if _, err := svc.Enqueue(ctx, enums.InteractionBlockAction, "stale", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	records, err := svc.FindClaimable(ctx, enums.InteractionBlockAction, 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("find claimable: %v (%d)", err, len(records))
	}
	claim, won, err := svc.Claim(ctx, records[0].ID)
	if err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}

	jobIface, err := NewTimeoutSweepJob(TimeoutSweepJobParams{
		Logger:            testLogger(),
		Targets:           []SweepTarget{{Queue: metrics.QueueInbox, Recoverer: svc}},
		ProcessingTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewTimeoutSweepJob: %v", err)
	}
	job := jobIface.(*timeoutSweepJob)
	job.now = func() time.Time { return claim.ClaimedAt.Add(2 * time.Minute) }

	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := svc.FindByID(ctx, claim.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != enums.InboxRetryPending || got.RetryCount != 1 {
		t.Fatalf("expected retry_pending with one attempt, got %s/%d", got.Status, got.RetryCount)
	}
	if _, err := svc.Complete(ctx, claim, nil); !errors.Is(err, inbox.ErrClaimLost) {
		t.Fatalf("expected stale worker to lose its claim, got %v", err)
	}
}

type fakePurger struct {
	cutoff  time.Time
	deleted int64
	err     error
}

func (f *fakePurger) PurgeCompleted(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.deleted, f.err
}

func TestRetentionJobPurgesBothQueues(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	in := &fakePurger{deleted: 3}
	out := &fakePurger{err: errors.New("boom")}
	jobIface, err := NewRetentionJob(RetentionJobParams{
		Logger:  testLogger(),
		Targets: []RetentionTarget{{Queue: "inbox", Purger: in}, {Queue: "outbox", Purger: out}},
	})
	if err != nil {
		t.Fatalf("NewRetentionJob: %v", err)
	}
	job := jobIface.(*retentionJob)
	job.now = func() time.Time { return now }

	err = job.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "purge outbox") {
		t.Fatalf("expected outbox purge error, got %v", err)
	}
	expected := now.Add(-defaultRetention)
	if !in.cutoff.Equal(expected) || !out.cutoff.Equal(expected) {
		t.Fatalf("expected cutoff %s, got %s / %s", expected, in.cutoff, out.cutoff)
	}
}
