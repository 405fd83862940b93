package models

import (
	"time"

	"github.com/angelmondragon/chatrelay/pkg/enums"
)

// OutboxRecord is one outbound chat message awaiting dispatch. DedupKey is
// nil when the producer did not ask for deduplication; NULLs never collide
// on the unique index.
type OutboxRecord struct {
	ID                  int64              `gorm:"column:id;primaryKey;autoIncrement"`
	MessageType         enums.MessageType  `gorm:"column:message_type;not null;uniqueIndex:ux_outbox_records_type_dedup,priority:1"`
	DedupKey            *string            `gorm:"column:dedup_key;uniqueIndex:ux_outbox_records_type_dedup,priority:2"`
	Payload             []byte             `gorm:"column:payload;not null"`
	Status              enums.OutboxStatus `gorm:"column:status;not null;index:idx_outbox_records_claimable;index:idx_outbox_records_processing,priority:1"`
	ProcessingStartedAt *time.Time         `gorm:"column:processing_started_at;index:idx_outbox_records_processing,priority:2"`
	RetryCount          int                `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAt       *time.Time         `gorm:"column:next_attempt_at"`
	FailureReason       *string            `gorm:"column:failure_reason"`
	CreatedAt           time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (OutboxRecord) TableName() string { return "outbox_records" }
