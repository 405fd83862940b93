package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/chatrelay/api/responses"
	"github.com/angelmondragon/chatrelay/api/validators"
	"github.com/angelmondragon/chatrelay/internal/notify"
	"github.com/angelmondragon/chatrelay/pkg/chat"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	"github.com/angelmondragon/chatrelay/pkg/logger"
)

type notificationSender interface {
	Send(ctx context.Context, n notify.Notification) (bool, error)
}

type NotificationRequest struct {
	Type        string       `json:"type" validate:"required,message_type"`
	WorkspaceID string       `json:"workspace_id" validate:"required,max=64"`
	Message     chat.Message `json:"message"`
	DedupKey    string       `json:"dedup_key" validate:"max=255"`
	DebounceKey string       `json:"debounce_key" validate:"max=255"`
}

type NotificationResponse struct {
	Accepted  bool `json:"accepted"`
	Buffered  bool `json:"buffered"`
	Duplicate bool `json:"duplicate"`
}

// SendNotification queues an outbound chat message, either directly in the
// outbox or through the debounce buffer when debounce_key is set.
func SendNotification(sender notificationSender, maxBodyBytes int64, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body NotificationRequest
		if err := validators.DecodeJSONBody(w, r, &body, maxBodyBytes); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		buffered := strings.TrimSpace(body.DebounceKey) != ""
		created, err := sender.Send(r.Context(), notify.Notification{
			Type:        enums.MessageType(body.Type),
			WorkspaceID: strings.TrimSpace(body.WorkspaceID),
			Message:     body.Message,
			DedupKey:    body.DedupKey,
			DebounceKey: body.DebounceKey,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if !created {
			responses.WriteSuccess(w, NotificationResponse{Duplicate: true})
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, NotificationResponse{Accepted: true, Buffered: buffered})
	}
}
