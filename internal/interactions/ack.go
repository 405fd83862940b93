package interactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/angelmondragon/chatrelay/pkg/chat"
	"github.com/angelmondragon/chatrelay/pkg/db/models"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/chatrelay/pkg/errors"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/outbox"
	"github.com/angelmondragon/chatrelay/pkg/retry"
)

type idRef struct {
	ID string `json:"id"`
}

// Interaction holds the routing fields shared by interaction payloads. Event
// and command payloads carry flat *_id fields; block and view payloads nest
// them.
type Interaction struct {
	Team      idRef  `json:"team"`
	Channel   idRef  `json:"channel"`
	User      idRef  `json:"user"`
	TeamID    string `json:"team_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

func (i Interaction) WorkspaceID() string { return firstNonEmpty(i.Team.ID, i.TeamID) }
func (i Interaction) ChannelRef() string  { return firstNonEmpty(i.Channel.ID, i.ChannelID) }
func (i Interaction) UserRef() string     { return firstNonEmpty(i.User.ID, i.UserID) }

func DecodeInteraction(payload []byte) (Interaction, error) {
	var in Interaction
	if err := json.Unmarshal(payload, &in); err != nil {
		return Interaction{}, fmt.Errorf("decode interaction: %w", err)
	}
	if in.WorkspaceID() == "" || in.UserRef() == "" {
		return Interaction{}, errors.New("interaction missing team or user")
	}
	return in, nil
}

type enqueuer interface {
	Enqueue(ctx context.Context, msg outbox.Message) (bool, error)
}

// AckHandler answers an interaction with an ephemeral acknowledgement. The
// reply is keyed on the inbox record, so reprocessing the same record never
// produces a second reply.
type AckHandler struct {
	outbox enqueuer
	logg   *logger.Logger
	text   func(enums.InteractionType) string
}

func NewAckHandler(out enqueuer, logg *logger.Logger) (*AckHandler, error) {
	if out == nil {
		return nil, errors.New("outbox is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &AckHandler{outbox: out, logg: logg, text: ackText}, nil
}

func (h *AckHandler) Handle(ctx context.Context, record models.InboxRecord) error {
	in, err := DecodeInteraction(record.Payload)
	if err != nil {
		return retry.Permanent(err)
	}

	reply := chat.Message{
		Channel: firstNonEmpty(in.ChannelRef(), in.UserRef()),
		User:    in.UserRef(),
		Text:    h.text(record.InteractionType),
	}
	msg, err := outbox.NewMessage(enums.MessageEphemeral, ReplyDedupKey(record.ID), outbox.NewEnvelope(in.WorkspaceID(), reply, record.CreatedAt))
	if err != nil {
		return retry.Permanent(err)
	}

	created, err := h.outbox.Enqueue(ctx, msg)
	if err != nil {
		err = fmt.Errorf("enqueue interaction reply: %w", err)
		// A rejected reply is rejected again on every attempt.
		if pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			return retry.Permanent(err)
		}
		return retry.Transient(err)
	}
	if !created {
		h.logg.Info(ctx, "interactions.reply_already_queued")
	}
	return nil
}

func ReplyDedupKey(inboxID int64) string {
	return "inbox:" + strconv.FormatInt(inboxID, 10)
}

func ackText(t enums.InteractionType) string {
	switch t {
	case enums.InteractionSlashCommand:
		return "Command received, working on it."
	case enums.InteractionViewSubmission:
		return "Thanks, your submission was received."
	default:
		return "Got it."
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
