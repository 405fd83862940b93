package outbox

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/chatrelay/internal/repo"
	"github.com/angelmondragon/chatrelay/pkg/db/models"
	"github.com/angelmondragon/chatrelay/pkg/enums"
)

type Repository struct {
	table repo.QueueTable[models.OutboxRecord, enums.OutboxStatus]
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		table: repo.NewQueueTable[models.OutboxRecord](db, enums.OutboxProcessing, enums.OutboxRetryPending, enums.OutboxFailed, enums.ClaimableOutboxStatuses()...),
	}
}

func (r *Repository) Insert(ctx context.Context, record *models.OutboxRecord) error {
	return r.table.Insert(ctx, record)
}

func (r *Repository) FindByID(ctx context.Context, id int64) (*models.OutboxRecord, error) {
	return r.table.FindByID(ctx, id)
}

func (r *Repository) FindPending(ctx context.Context, now time.Time, limit int) ([]models.OutboxRecord, error) {
	return r.table.FindClaimable(ctx, now, limit)
}

func (r *Repository) MarkProcessingIfPending(ctx context.Context, id int64, now time.Time) (bool, error) {
	return r.table.Claim(ctx, id, now)
}

func (r *Repository) MarkSent(ctx context.Context, id int64, claimedAt, now time.Time) (bool, error) {
	return r.table.Release(ctx, id, claimedAt, map[string]any{
		"status":         enums.OutboxSent,
		"failure_reason": nil,
		"updated_at":     now,
	})
}

// MarkRetryPending releases the claim for another attempt no earlier than
// nextAttemptAt, unless that attempt would exceed maxAttempts.
func (r *Repository) MarkRetryPending(ctx context.Context, id int64, claimedAt time.Time, reason string, maxAttempts int, nextAttemptAt, now time.Time) (bool, error) {
	return r.table.Release(ctx, id, claimedAt, map[string]any{
		"status":          enums.OutboxRetryPending,
		"failure_reason":  reason,
		"retry_count":     gorm.Expr("retry_count + 1"),
		"next_attempt_at": nextAttemptAt,
		"updated_at":      now,
	}, gorm.Expr("retry_count + 1 < ?", maxAttempts))
}

func (r *Repository) MarkFailed(ctx context.Context, id int64, claimedAt time.Time, reason string, now time.Time) (bool, error) {
	return r.table.Release(ctx, id, claimedAt, map[string]any{
		"status":         enums.OutboxFailed,
		"failure_reason": reason,
		"retry_count":    gorm.Expr("retry_count + 1"),
		"updated_at":     now,
	})
}

func (r *Repository) RecoverTimeoutProcessing(ctx context.Context, before, recoveredAt time.Time, reason string, maxAttempts int) (int64, error) {
	return r.table.RecoverStale(ctx, before, recoveredAt, reason, maxAttempts)
}

func (r *Repository) ListFailed(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	return r.table.ListByStatus(ctx, enums.OutboxFailed, limit)
}

func (r *Repository) PurgeSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.table.DeleteSettledBefore(ctx, enums.OutboxSent, cutoff)
}
