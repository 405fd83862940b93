package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/chatrelay/api/responses"
	"github.com/angelmondragon/chatrelay/api/validators"
	"github.com/angelmondragon/chatrelay/pkg/db/models"
	pkgerrors "github.com/angelmondragon/chatrelay/pkg/errors"
	"github.com/angelmondragon/chatrelay/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type inboxInspector interface {
	ListFailed(ctx context.Context, limit int) ([]models.InboxRecord, error)
	FindByID(ctx context.Context, id int64) (*models.InboxRecord, error)
}

type outboxInspector interface {
	ListFailed(ctx context.Context, limit int) ([]models.OutboxRecord, error)
	FindByID(ctx context.Context, id int64) (*models.OutboxRecord, error)
}

// InboxRecordDTO is the operator view of an inbox record. Payloads are left
// out of listings.
type InboxRecordDTO struct {
	ID                  int64      `json:"id"`
	InteractionType     string     `json:"interaction_type"`
	IdempotencyKey      string     `json:"idempotency_key"`
	Status              string     `json:"status"`
	RetryCount          int        `json:"retry_count"`
	FailureReason       *string    `json:"failure_reason,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	NextAttemptAt       *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type OutboxRecordDTO struct {
	ID                  int64      `json:"id"`
	MessageType         string     `json:"message_type"`
	DedupKey            *string    `json:"dedup_key,omitempty"`
	Status              string     `json:"status"`
	RetryCount          int        `json:"retry_count"`
	FailureReason       *string    `json:"failure_reason,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	NextAttemptAt       *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func inboxDTO(r models.InboxRecord) InboxRecordDTO {
	return InboxRecordDTO{
		ID:                  r.ID,
		InteractionType:     string(r.InteractionType),
		IdempotencyKey:      r.IdempotencyKey,
		Status:              string(r.Status),
		RetryCount:          r.RetryCount,
		FailureReason:       r.FailureReason,
		ProcessingStartedAt: r.ProcessingStartedAt,
		NextAttemptAt:       r.NextAttemptAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func outboxDTO(r models.OutboxRecord) OutboxRecordDTO {
	return OutboxRecordDTO{
		ID:                  r.ID,
		MessageType:         string(r.MessageType),
		DedupKey:            r.DedupKey,
		Status:              string(r.Status),
		RetryCount:          r.RetryCount,
		FailureReason:       r.FailureReason,
		ProcessingStartedAt: r.ProcessingStartedAt,
		NextAttemptAt:       r.NextAttemptAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

// AdminListFailedInbox lists failed inbox records, newest first.
func AdminListFailedInbox(svc inboxInspector, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", defaultListLimit, 1, maxListLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		records, err := svc.ListFailed(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list failed inbox records"))
			return
		}
		out := make([]InboxRecordDTO, 0, len(records))
		for _, rec := range records {
			out = append(out, inboxDTO(rec))
		}
		responses.WriteSuccess(w, out)
	}
}

// AdminListFailedOutbox lists failed outbox records, newest first.
func AdminListFailedOutbox(svc outboxInspector, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", defaultListLimit, 1, maxListLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		records, err := svc.ListFailed(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list failed outbox records"))
			return
		}
		out := make([]OutboxRecordDTO, 0, len(records))
		for _, rec := range records {
			out = append(out, outboxDTO(rec))
		}
		responses.WriteSuccess(w, out)
	}
}

func AdminGetInboxRecord(svc inboxInspector, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := recordID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		record, err := svc.FindByID(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, inboxDTO(*record))
	}
}

func AdminGetOutboxRecord(svc outboxInspector, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := recordID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		record, err := svc.FindByID(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, outboxDTO(*record))
	}
}

func recordID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "recordId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "record id must be a positive integer").WithDetails(map[string]any{"field": "recordId"})
	}
	return id, nil
}
