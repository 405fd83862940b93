package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/chatrelay/pkg/chat"
)

const EnvelopeVersion = 1

// PayloadEnvelope is the stable payload structure stored in outbox_records.
type PayloadEnvelope struct {
	Version     int          `json:"version"`
	WorkspaceID string       `json:"workspace_id"`
	OccurredAt  time.Time    `json:"occurred_at"`
	Message     chat.Message `json:"message"`
}

func NewEnvelope(workspaceID string, msg chat.Message, occurredAt time.Time) PayloadEnvelope {
	return PayloadEnvelope{
		Version:     EnvelopeVersion,
		WorkspaceID: workspaceID,
		OccurredAt:  occurredAt.UTC(),
		Message:     msg,
	}
}

// DecodeEnvelope parses a stored payload. Any error here is a property of the
// stored bytes and will not go away on retry.
func DecodeEnvelope(payload []byte) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return PayloadEnvelope{}, fmt.Errorf("decode outbox envelope: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return PayloadEnvelope{}, fmt.Errorf("unsupported outbox envelope version %d", env.Version)
	}
	if strings.TrimSpace(env.WorkspaceID) == "" {
		return PayloadEnvelope{}, fmt.Errorf("outbox envelope missing workspace_id")
	}
	return env, nil
}
