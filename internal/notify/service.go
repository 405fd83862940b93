// Package notify turns outbound notifications into outbox records and sends
// claimed records to the chat platform.
package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/angelmondragon/chatrelay/internal/batching"
	"github.com/angelmondragon/chatrelay/pkg/chat"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/chatrelay/pkg/errors"
	"github.com/angelmondragon/chatrelay/pkg/logger"
	"github.com/angelmondragon/chatrelay/pkg/outbox"
)

// Notification is an outbound chat message requested by a producer.
// Notifications that share a DebounceKey within one window collapse into the
// last one; DedupKey is applied when the survivor reaches the outbox.
type Notification struct {
	Type        enums.MessageType
	WorkspaceID string
	Message     chat.Message
	DedupKey    string
	DebounceKey string
}

type enqueuer interface {
	Enqueue(ctx context.Context, msg outbox.Message) (bool, error)
}

type ServiceParams struct {
	Outbox enqueuer
	Logger *logger.Logger
	Window time.Duration
	Now    func() time.Time
}

type Service struct {
	outbox enqueuer
	buffer *batching.Buffer[Notification]
	logg   *logger.Logger
	now    func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	s := &Service{
		outbox: params.Outbox,
		logg:   params.Logger,
		now:    params.Now,
	}
	buffer, err := batching.New(batching.Options[Notification]{
		Window: params.Window,
		Logger: params.Logger,
		Flush:  s.flushBuffered,
	})
	if err != nil {
		return nil, err
	}
	s.buffer = buffer
	return s, nil
}

// Send records n for delivery. Debounced notifications are held in memory
// until their window closes and are lost if the process dies first; the rest
// go straight to the outbox. It reports false when the outbox already holds a
// message with the same dedup key.
func (s *Service) Send(ctx context.Context, n Notification) (bool, error) {
	if err := validate(n); err != nil {
		return false, err
	}
	if key := strings.TrimSpace(n.DebounceKey); key != "" {
		if !s.buffer.Add(batching.Key(n.WorkspaceID, key), n) {
			return false, pkgerrors.New(pkgerrors.CodeDependency, "notification buffer is closed")
		}
		s.logg.Debug(s.logg.WithField(ctx, "debounce_key", key), "notify.buffered")
		return true, nil
	}
	return s.enqueue(ctx, n)
}

func (s *Service) enqueue(ctx context.Context, n Notification) (bool, error) {
	msg, err := outbox.NewMessage(n.Type, n.DedupKey, outbox.NewEnvelope(n.WorkspaceID, n.Message, s.now()))
	if err != nil {
		return false, err
	}
	return s.outbox.Enqueue(ctx, msg)
}

func (s *Service) flushBuffered(ctx context.Context, key string, n Notification) error {
	created, err := s.enqueue(ctx, n)
	if err != nil {
		return err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"buffer_key": key,
		"created":    created,
	}), "notify.buffer_flushed")
	return nil
}

// Flush enqueues every buffered notification immediately.
func (s *Service) Flush(ctx context.Context) error {
	return s.buffer.Flush(ctx)
}

// Close drops buffered notifications and rejects further debounced sends.
func (s *Service) Close() {
	s.buffer.Close()
}

func (s *Service) Pending() int {
	return s.buffer.Len()
}

func validate(n Notification) error {
	if _, err := enums.ParseMessageType(string(n.Type)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid message type")
	}
	if strings.TrimSpace(n.WorkspaceID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "workspace_id is required")
	}
	if n.Message.Channel == "" && n.Message.User == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "channel or user is required")
	}
	return nil
}
