package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	pkgerrors "github.com/angelmondragon/chatrelay/pkg/errors"
)

// DefaultListLimit caps listings when the caller passes a non-positive limit.
const DefaultListLimit = 50

// Base provides a shared foundation for domain repositories.
type Base struct {
	db *gorm.DB
}

// NewBase constructs a Base repository backed by the provided GORM connection.
func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the GORM connection bound to the supplied context (if any).
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// QueueTable holds the claim discipline shared by the inbox and outbox tables.
// T is the row model and S its status type. The table must have the columns
// id, status, processing_started_at, next_attempt_at, retry_count,
// failure_reason and updated_at.
//
// Every mutation is a single conditional UPDATE keyed on the row's expected
// prior state; RowsAffected tells the caller whether it won.
type QueueTable[T any, S ~string] struct {
	Base
	processing S
	retry      S
	failed     S
	claimable  []S
}

// NewQueueTable binds a queue table. processing is the owned state, retry the
// state the sweep returns abandoned rows to, failed the state it parks them in
// once their attempts are spent, and claimable the states a worker may claim
// from.
func NewQueueTable[T any, S ~string](db *gorm.DB, processing, retry, failed S, claimable ...S) QueueTable[T, S] {
	return QueueTable[T, S]{
		Base:       NewBase(db),
		processing: processing,
		retry:      retry,
		failed:     failed,
		claimable:  claimable,
	}
}

// dueAt matches rows whose retry delay has elapsed at now. Rows that never
// failed have no delay.
func dueAt(now time.Time) clause.Expression {
	return gorm.Expr("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now)
}

// Insert creates row. Uniqueness violations are returned untouched so callers
// can detect them.
func (q QueueTable[T, S]) Insert(ctx context.Context, row *T) error {
	return q.DB(ctx).Create(row).Error
}

// FindByID loads a single row.
func (q QueueTable[T, S]) FindByID(ctx context.Context, id int64) (*T, error) {
	var row T
	if err := q.DB(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "record %d not found", id)
		}
		return nil, err
	}
	return &row, nil
}

// FindClaimable lists up to limit rows in a claimable state that are due at
// now, oldest id first. A listed row is not owned until Claim succeeds on it.
func (q QueueTable[T, S]) FindClaimable(ctx context.Context, now time.Time, limit int, scopes ...func(*gorm.DB) *gorm.DB) ([]T, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var rows []T
	err := q.DB(ctx).
		Scopes(scopes...).
		Where("status IN ?", q.claimable).
		Where(dueAt(now)).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListByStatus returns up to limit rows in status, most recently updated first.
func (q QueueTable[T, S]) ListByStatus(ctx context.Context, status S, limit int) ([]T, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var rows []T
	err := q.DB(ctx).
		Where("status = ?", status).
		Order("updated_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Claim moves row id from a claimable state into processing and stamps
// processing_started_at with at. A row whose retry delay has not elapsed at at
// is not claimable. Exactly one of any number of concurrent callers observes
// true.
func (q QueueTable[T, S]) Claim(ctx context.Context, id int64, at time.Time) (bool, error) {
	res := q.DB(ctx).
		Model(new(T)).
		Where("id = ? AND status IN ?", id, q.claimable).
		Where(dueAt(at)).
		Updates(map[string]any{
			"status":                q.processing,
			"processing_started_at": at,
			"next_attempt_at":       nil,
			"updated_at":            at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release applies updates to row id only while the claim stamped at claimedAt
// still holds. guards narrow the match further. It reports false when the row
// was recovered by the sweep or reclaimed by another worker in the meantime.
// processing_started_at is always cleared.
func (q QueueTable[T, S]) Release(ctx context.Context, id int64, claimedAt time.Time, updates map[string]any, guards ...clause.Expression) (bool, error) {
	tx := q.DB(ctx).
		Model(new(T)).
		Where("id = ? AND status = ? AND processing_started_at = ?", id, q.processing, claimedAt)
	for _, guard := range guards {
		tx = tx.Where(guard)
	}

	set := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		set[k] = v
	}
	set["processing_started_at"] = nil

	res := tx.Updates(set)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecoverStale releases every row still processing with a claim older than
// before in one statement, recording reason and counting the abandoned
// attempt. A row goes back to the retry state, immediately due, unless that
// attempt was its maxAttempts-th, in which case it fails. Rows claimed at or
// after before are untouched.
func (q QueueTable[T, S]) RecoverStale(ctx context.Context, before, recoveredAt time.Time, reason string, maxAttempts int) (int64, error) {
	res := q.DB(ctx).
		Model(new(T)).
		Where("status = ? AND processing_started_at < ?", q.processing, before).
		Updates(map[string]any{
			"status":                gorm.Expr("CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END", maxAttempts, q.failed, q.retry),
			"next_attempt_at":       nil,
			"processing_started_at": nil,
			"failure_reason":        reason,
			"retry_count":           gorm.Expr("retry_count + 1"),
			"updated_at":            recoveredAt,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// DeleteSettledBefore removes rows in status whose last update is older than
// cutoff.
func (q QueueTable[T, S]) DeleteSettledBefore(ctx context.Context, status S, cutoff time.Time) (int64, error) {
	res := q.DB(ctx).
		Where("status = ? AND updated_at < ?", status, cutoff).
		Delete(new(T))
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
