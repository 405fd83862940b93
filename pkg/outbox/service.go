package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	dbpkg "github.com/angelmondragon/chatrelay/pkg/db"
	"github.com/angelmondragon/chatrelay/pkg/db/models"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/chatrelay/pkg/errors"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/retry"
)

const (
	defaultMaxAttempts  = 10
	maxDedupKeyLen      = 255
	maxFailureReasonLen = 1024
)

// ErrClaimLost is returned when a completion no longer matches the caller's
// claim, typically because the timeout sweep recovered the record.
var ErrClaimLost = errors.New("outbox claim lost")

type repository interface {
	Insert(ctx context.Context, record *models.OutboxRecord) error
	FindByID(ctx context.Context, id int64) (*models.OutboxRecord, error)
	FindPending(ctx context.Context, now time.Time, limit int) ([]models.OutboxRecord, error)
	MarkProcessingIfPending(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id int64, claimedAt, now time.Time) (bool, error)
	MarkRetryPending(ctx context.Context, id int64, claimedAt time.Time, reason string, maxAttempts int, nextAttemptAt, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, claimedAt time.Time, reason string, now time.Time) (bool, error)
	RecoverTimeoutProcessing(ctx context.Context, before, recoveredAt time.Time, reason string, maxAttempts int) (int64, error)
	ListFailed(ctx context.Context, limit int) ([]models.OutboxRecord, error)
	PurgeSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Message is a producer's request to send something to the chat platform.
// An empty DedupKey disables deduplication for this message.
type Message struct {
	Type     enums.MessageType
	DedupKey string
	Payload  []byte
}

// NewMessage marshals data as the payload of a message.
func NewMessage(messageType enums.MessageType, dedupKey string, data any) (Message, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Message{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "marshal outbox payload")
	}
	return Message{Type: messageType, DedupKey: dedupKey, Payload: payload}, nil
}

// Claim is proof of ownership of one record, valid until the record is
// completed or recovered.
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
		return nil, errors.New("outbox repository required")
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

// Enqueue stores msg as a pending record. When msg carries a dedup key and a
// record with the same type and key exists, it returns false without error.
// Dedup keys are compared byte for byte, so padded keys are rejected.
func (s *Service) Enqueue(ctx context.Context, msg Message) (bool, error) {
	if !msg.Type.IsValid() {
		return false, pkgerrors.Newf(pkgerrors.CodeValidation, "unknown message type %q", msg.Type)
	}
	if len(msg.Payload) == 0 {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "payload is required")
	}

	record := models.OutboxRecord{
		MessageType: msg.Type,
		Payload:     msg.Payload,
		Status:      enums.OutboxPending,
	}
	fields := map[string]any{"message_type": msg.Type}
	if key := msg.DedupKey; strings.TrimSpace(key) != "" {
		if strings.TrimSpace(key) != key {
			return false, pkgerrors.New(pkgerrors.CodeValidation, "dedup key has surrounding whitespace")
		}
		if len(key) > maxDedupKeyLen {
			return false, pkgerrors.New(pkgerrors.CodeValidation, "dedup key too long")
		}
		record.DedupKey = &key
		fields["dedup_key"] = key
	}
	logCtx := s.logg.WithFields(ctx, fields)

	if err := s.repo.Insert(ctx, &record); err != nil {
		if record.DedupKey != nil && dbpkg.IsUniqueViolation(err) {
			s.logg.Debug(logCtx, "outbox.duplicate_suppressed")
			return false, nil
		}
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert outbox record")
	}

	s.logg.Info(s.logg.WithRecordID(logCtx, record.ID), "outbox.enqueued")
	return true, nil
}

// FindPending lists records a dispatcher may try to claim now, oldest first.
// Records waiting out a retry delay are left out.
func (s *Service) FindPending(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	return s.repo.FindPending(ctx, dbpkg.Timestamp(s.now()), limit)
}

// MarkProcessingIfPending claims record id and stamps the claim time used for
// crash detection. ok is false when the record was not claimable.
func (s *Service) MarkProcessingIfPending(ctx context.Context, id int64) (Claim, bool, error) {
	at := dbpkg.Timestamp(s.now())
	ok, err := s.repo.MarkProcessingIfPending(ctx, id, at)
	if err != nil {
		return Claim{}, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim outbox record")
	}
	if !ok {
		return Claim{}, false, nil
	}
	return Claim{ID: id, ClaimedAt: at}, true, nil
}

// Complete records the dispatch outcome for a claimed record: sent on nil,
// retry_pending for a retryable failure within budget, failed otherwise. A
// retry is delayed by the backoff, or longer when the platform sent
// Retry-After.
func (s *Service) Complete(ctx context.Context, claim Claim, outcome error) (enums.OutboxStatus, error) {
	now := dbpkg.Timestamp(s.now())
	ctx = s.logg.WithRecordID(ctx, claim.ID)

	if outcome == nil {
		ok, err := s.repo.MarkSent(ctx, claim.ID, claim.ClaimedAt, now)
		return s.settled(ctx, enums.OutboxSent, ok, err)
	}

	reason := dbpkg.Truncate(outcome.Error(), maxFailureReasonLen)
	retryable := retry.IsRetryable(outcome)
	if retryable {
		next := dbpkg.Timestamp(now.Add(s.backoff.Delay(s.attempt(ctx, claim.ID), outcome)))
		ok, err := s.repo.MarkRetryPending(ctx, claim.ID, claim.ClaimedAt, reason, s.maxAttempts, next, now)
		if err != nil || ok {
			if ok {
				ctx = s.logg.WithField(ctx, "next_attempt_at", next)
			}
			return s.settled(ctx, enums.OutboxRetryPending, ok, err)
		}
	}

	ok, err := s.repo.MarkFailed(ctx, claim.ID, claim.ClaimedAt, reason, now)
	if ok && retryable {
		s.logg.Warn(ctx, "outbox.retry_budget_exhausted")
	}
	return s.settled(ctx, enums.OutboxFailed, ok, err)
}

func (s *Service) attempt(ctx context.Context, id int64) int {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return 1
	}
	return record.RetryCount + 1
}

func (s *Service) settled(ctx context.Context, status enums.OutboxStatus, ok bool, err error) (enums.OutboxStatus, error) {
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "complete outbox record")
	}
	if !ok {
		s.logg.Warn(ctx, "outbox.claim_lost")
		return "", ErrClaimLost
	}
	s.logg.Info(s.logg.WithField(ctx, "status", status), "outbox.completed")
	return status, nil
}

// RecoverTimeoutProcessing returns every record claimed before the threshold
// and never completed to retry_pending, stamping reason. Records whose
// abandoned claim was their last allowed attempt are marked failed.
func (s *Service) RecoverTimeoutProcessing(ctx context.Context, before, recoveredAt time.Time, reason string) (int64, error) {
	count, err := s.repo.RecoverTimeoutProcessing(ctx, dbpkg.Timestamp(before), dbpkg.Timestamp(recoveredAt), dbpkg.Truncate(reason, maxFailureReasonLen), s.maxAttempts)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "recover timed out outbox records")
	}
	if count > 0 {
		s.logg.Warn(s.logg.WithField(ctx, "recovered", count), "outbox.timeout_recovered")
	}
	return count, nil
}

func (s *Service) FindByID(ctx context.Context, id int64) (*models.OutboxRecord, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Service) ListFailed(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	return s.repo.ListFailed(ctx, limit)
}

// PurgeCompleted deletes sent records last updated before cutoff. Failed
// records are kept for operators.
func (s *Service) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	count, err := s.repo.PurgeSentBefore(ctx, dbpkg.Timestamp(cutoff))
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "purge sent outbox records")
	}
	return count, nil
}
