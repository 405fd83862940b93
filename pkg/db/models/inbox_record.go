package models

import (
	"time"

	"github.com/angelmondragon/chatrelay/pkg/enums"
)

// InboxRecord is one deduplicated inbound interaction awaiting processing.
type InboxRecord struct {
	ID                  int64                 `gorm:"column:id;primaryKey;autoIncrement"`
	InteractionType     enums.InteractionType `gorm:"column:interaction_type;not null;uniqueIndex:ux_inbox_records_type_key,priority:1;index:idx_inbox_records_claimable,priority:1"`
	IdempotencyKey      string                `gorm:"column:idempotency_key;not null;uniqueIndex:ux_inbox_records_type_key,priority:2"`
	Payload             []byte                `gorm:"column:payload;not null"`
	Status              enums.InboxStatus     `gorm:"column:status;not null;index:idx_inbox_records_claimable,priority:2;index:idx_inbox_records_processing,priority:1"`
	ProcessingStartedAt *time.Time            `gorm:"column:processing_started_at;index:idx_inbox_records_processing,priority:2"`
	RetryCount          int                   `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAt       *time.Time            `gorm:"column:next_attempt_at"`
	FailureReason       *string               `gorm:"column:failure_reason"`
	CreatedAt           time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (InboxRecord) TableName() string { return "inbox_records" }
