package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/chatrelay/pkg/chat"
	"github.com/angelmondragon/chatrelay/pkg/db/models"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/outbox"
	"github.com/angelmondragon/chatrelay/pkg/retry"
)

type poster interface {
	PostMessage(ctx context.Context, workspaceID string, msg chat.Message) (*chat.Result, error)
	PostEphemeral(ctx context.Context, workspaceID string, msg chat.Message) (*chat.Result, error)
	UpdateMessage(ctx context.Context, workspaceID string, msg chat.Message) (*chat.Result, error)
}

// ChatNotifier delivers outbox records through the chat platform API.
type ChatNotifier struct {
	client poster
	logg   *logger.Logger
}

func NewChatNotifier(client poster, logg *logger.Logger) (*ChatNotifier, error) {
	if client == nil {
		return nil, errors.New("chat client is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &ChatNotifier{client: client, logg: logg}, nil
}

func (n *ChatNotifier) Notify(ctx context.Context, record models.OutboxRecord) error {
	env, err := outbox.DecodeEnvelope(record.Payload)
	if err != nil {
		return retry.Permanent(err)
	}
	ctx = n.logg.WithField(ctx, "workspace_id", env.WorkspaceID)

	msg := env.Message
	var result *chat.Result
	switch record.MessageType {
	case enums.MessageChannel, enums.MessageThread:
		result, err = n.client.PostMessage(ctx, env.WorkspaceID, msg)
	case enums.MessageDirect:
		if msg.Channel == "" {
			msg.Channel = msg.User
		}
		result, err = n.client.PostMessage(ctx, env.WorkspaceID, msg)
	case enums.MessageEphemeral:
		result, err = n.client.PostEphemeral(ctx, env.WorkspaceID, msg)
	case enums.MessageUpdate:
		result, err = n.client.UpdateMessage(ctx, env.WorkspaceID, msg)
	default:
		return retry.Permanent(fmt.Errorf("unsupported message type %q", record.MessageType))
	}
	if err != nil {
		return err
	}

	if result != nil {
		n.logg.Debug(n.logg.WithFields(ctx, map[string]any{
			"channel": result.Channel,
			"ts":      result.TS,
		}), "notify.delivered")
	}
	return nil
}
