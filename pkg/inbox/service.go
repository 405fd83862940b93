package inbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/angelmondragon/chatrelay/pkg/db"
	"github.com/angelmondragon/chatrelay/pkg/db/models"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/chatrelay/pkg/errors"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/retry"
)

const (
	defaultMaxAttempts   = 5
	maxIdempotencyKeyLen = 255
	maxFailureReasonLen  = 1024
)

// ErrClaimLost is returned by Complete when the record is no longer held by
// the caller's claim, typically because the timeout sweep recovered it.
var ErrClaimLost = errors.New("inbox claim lost")

type repository interface {
	Insert(ctx context.Context, record *models.InboxRecord) error
	FindByID(ctx context.Context, id int64) (*models.InboxRecord, error)
	FindClaimable(ctx context.Context, interactionType enums.InteractionType, now time.Time, limit int) ([]models.InboxRecord, error)
	Claim(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkDone(ctx context.Context, id int64, claimedAt, now time.Time) (bool, error)
	MarkRetryPending(ctx context.Context, id int64, claimedAt time.Time, reason string, maxAttempts int, nextAttemptAt, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, claimedAt time.Time, reason string, now time.Time) (bool, error)
	RecoverTimeoutProcessing(ctx context.Context, before, recoveredAt time.Time, reason string, maxAttempts int) (int64, error)
	ListFailed(ctx context.Context, limit int) ([]models.InboxRecord, error)
	PurgeDoneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Claim is proof of ownership of one record. It is only valid until the
// record is completed or recovered.
type Claim struct {
	ID        int64
	ClaimedAt time.Time
}

type ServiceParams struct {
	Repository  repository
	Logger      *logger.Logger
	MaxAttempts int
	Backoff     retry.Backoff
	Now         func() time.Time
}

type Service struct {
	repo        repository
	logg        *logger.Logger
	maxAttempts int
	backoff     retry.Backoff
	now         func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repository == nil {
		return nil, errors.New("inbox repository required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = defaultMaxAttempts
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Service{
		repo:        params.Repository,
		logg:        params.Logger,
		maxAttempts: params.MaxAttempts,
		backoff:     params.Backoff,
		now:         params.Now,
	}, nil
}

// Enqueue stores a new pending record. It returns false, without error, when
// a record with the same interaction type and idempotency key already exists.
// The key is compared byte for byte; keys with leading or trailing whitespace
// are rejected rather than normalised.
func (s *Service) Enqueue(ctx context.Context, interactionType enums.InteractionType, idempotencyKey string, payload []byte) (bool, error) {
	if !interactionType.IsValid() {
		return false, pkgerrors.Newf(pkgerrors.CodeValidation, "unknown interaction type %q", interactionType)
	}
	key := idempotencyKey
	if strings.TrimSpace(key) == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	if strings.TrimSpace(key) != key {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key has surrounding whitespace")
	}
	if len(key) > maxIdempotencyKeyLen {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key too long")
	}
	if payload == nil {
		payload = []byte{}
	}

	record := models.InboxRecord{
		InteractionType: interactionType,
		IdempotencyKey:  key,
		Payload:         payload,
		Status:          enums.InboxPending,
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"interaction_type": interactionType,
		"idempotency_key":  key,
	})
	if err := s.repo.Insert(ctx, &record); err != nil {
		if db.IsUniqueViolation(err) {
			s.logg.Debug(logCtx, "inbox.duplicate_suppressed")
			return false, nil
		}
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert inbox record")
	}

	s.logg.Info(s.logg.WithRecordID(logCtx, record.ID), "inbox.enqueued")
	return true, nil
}

// FindClaimable lists records a worker may try to claim now, oldest first.
// Records waiting out a retry delay are left out.
func (s *Service) FindClaimable(ctx context.Context, interactionType enums.InteractionType, limit int) ([]models.InboxRecord, error) {
	return s.repo.FindClaimable(ctx, interactionType, db.Timestamp(s.now()), limit)
}

// Claim takes exclusive ownership of record id. ok is false when another
// worker claimed it first or it is no longer claimable; the caller must then
// skip the record.
func (s *Service) Claim(ctx context.Context, id int64) (Claim, bool, error) {
	at := db.Timestamp(s.now())
	ok, err := s.repo.Claim(ctx, id, at)
	if err != nil {
		return Claim{}, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim inbox record")
	}
	if !ok {
		return Claim{}, false, nil
	}
	return Claim{ID: id, ClaimedAt: at}, true, nil
}

// Complete records the outcome of processing a claimed record. A nil outcome
// marks it done. A retryable failure returns it to retry_pending while the
// attempt budget lasts, not claimable again until its backoff delay elapses;
// anything else marks it failed. ErrClaimLost means the record was taken away
// from the caller and nothing was written.
func (s *Service) Complete(ctx context.Context, claim Claim, outcome error) (enums.InboxStatus, error) {
	now := db.Timestamp(s.now())
	ctx = s.logg.WithRecordID(ctx, claim.ID)

	if outcome == nil {
		ok, err := s.repo.MarkDone(ctx, claim.ID, claim.ClaimedAt, now)
		return s.settled(ctx, enums.InboxDone, ok, err)
	}

	reason := failureReason(outcome)
	retryable := retry.IsRetryable(outcome)
	if retryable {
		next := db.Timestamp(now.Add(s.backoff.Delay(s.attempt(ctx, claim.ID), outcome)))
		ok, err := s.repo.MarkRetryPending(ctx, claim.ID, claim.ClaimedAt, reason, s.maxAttempts, next, now)
		if err != nil || ok {
			if ok {
				ctx = s.logg.WithField(ctx, "next_attempt_at", next)
			}
			return s.settled(ctx, enums.InboxRetryPending, ok, err)
		}
		// Either the budget is spent or the claim is gone; MarkFailed tells
		// them apart.
	}

	ok, err := s.repo.MarkFailed(ctx, claim.ID, claim.ClaimedAt, reason, now)
	if ok && retryable {
		s.logg.Warn(ctx, "inbox.retry_budget_exhausted")
	}
	return s.settled(ctx, enums.InboxFailed, ok, err)
}

// attempt numbers the failure being recorded for backoff, starting at 1.
func (s *Service) attempt(ctx context.Context, id int64) int {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return 1
	}
	return record.RetryCount + 1
}

func (s *Service) settled(ctx context.Context, status enums.InboxStatus, ok bool, err error) (enums.InboxStatus, error) {
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "complete inbox record")
	}
	if !ok {
		s.logg.Warn(ctx, "inbox.claim_lost")
		return "", ErrClaimLost
	}
	s.logg.Info(s.logg.WithField(ctx, "status", status), "inbox.completed")
	return status, nil
}

// RecoverTimeoutProcessing returns records claimed before the threshold and
// never completed to retry_pending. The abandoned claim counts as an attempt,
// so a record that has used up its budget is marked failed instead.
func (s *Service) RecoverTimeoutProcessing(ctx context.Context, before, recoveredAt time.Time, reason string) (int64, error) {
	count, err := s.repo.RecoverTimeoutProcessing(ctx, db.Timestamp(before), db.Timestamp(recoveredAt), db.Truncate(reason, maxFailureReasonLen), s.maxAttempts)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "recover timed out inbox records")
	}
	if count > 0 {
		s.logg.Warn(s.logg.WithField(ctx, "recovered", count), "inbox.timeout_recovered")
	}
	return count, nil
}

func (s *Service) FindByID(ctx context.Context, id int64) (*models.InboxRecord, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Service) ListFailed(ctx context.Context, limit int) ([]models.InboxRecord, error) {
	return s.repo.ListFailed(ctx, limit)
}

func failureReason(err error) string {
	return db.Truncate(err.Error(), maxFailureReasonLen)
}

// PurgeCompleted deletes done records last updated before cutoff. Failed
// records are kept for operators.
func (s *Service) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	count, err := s.repo.PurgeDoneBefore(ctx, db.Timestamp(cutoff))
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "purge done inbox records")
	}
	return count, nil
}
