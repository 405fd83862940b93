package controllers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/angelmondragon/chatrelay/api/responses"
	"github.com/angelmondragon/chatrelay/api/validators"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	"github.com/angelmondragon/chatrelay/pkg/logger"
)

type interactionEnqueuer interface {
	Enqueue(ctx context.Context, interactionType enums.InteractionType, idempotencyKey string, payload []byte) (bool, error)
}

type InteractionRequest struct {
	Type           string          `json:"type" validate:"required,interaction_type"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required,max=255"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
}

type InteractionResponse struct {
	Enqueued  bool `json:"enqueued"`
	Duplicate bool `json:"duplicate"`
}

// IngestInteraction stores an inbound platform interaction in the inbox. A
// redelivery of an already stored interaction is acknowledged with 200 and
// duplicate=true so the platform stops retrying.
func IngestInteraction(inbox interactionEnqueuer, maxBodyBytes int64, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body InteractionRequest
		if err := validators.DecodeJSONBody(w, r, &body, maxBodyBytes); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		created, err := inbox.Enqueue(r.Context(), enums.InteractionType(body.Type), body.IdempotencyKey, body.Payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if !created {
			responses.WriteSuccess(w, InteractionResponse{Duplicate: true})
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, InteractionResponse{Enqueued: true})
	}
}
