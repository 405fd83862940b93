package enums

import "fmt"

// MessageType identifies the payload shape and delivery semantics of an
// outbound chat message.
type MessageType string

const (
	MessageChannel   MessageType = "channel_message"
	MessageThread    MessageType = "thread_reply"
	MessageEphemeral MessageType = "ephemeral_message"
	MessageDirect    MessageType = "direct_message"
	MessageUpdate    MessageType = "message_update"
)

var validMessageTypes = []MessageType{
	MessageChannel,
	MessageThread,
	MessageEphemeral,
	MessageDirect,
	MessageUpdate,
}

// IsValid reports whether the value is a known message type.
func (m MessageType) IsValid() bool {
	for _, candidate := range validMessageTypes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseMessageType converts raw input into MessageType.
func ParseMessageType(value string) (MessageType, error) {
	for _, candidate := range validMessageTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid message type %q", value)
}

// OutboxStatus tracks an outbox record through dispatch.
type OutboxStatus string

const (
	OutboxPending      OutboxStatus = "pending"
	OutboxProcessing   OutboxStatus = "processing"
	OutboxSent         OutboxStatus = "sent"
	OutboxRetryPending OutboxStatus = "retry_pending"
	OutboxFailed       OutboxStatus = "failed"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxPending,
	OutboxProcessing,
	OutboxSent,
	OutboxRetryPending,
	OutboxFailed,
}

// ClaimableOutboxStatuses are the states a dispatcher may claim a record from.
func ClaimableOutboxStatuses() []OutboxStatus {
	return []OutboxStatus{OutboxPending, OutboxRetryPending}
}

// IsValid reports whether the value is a known outbox status.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition can happen.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxSent || s == OutboxFailed
}

// ParseOutboxStatus converts raw input into OutboxStatus.
func ParseOutboxStatus(value string) (OutboxStatus, error) {
	for _, candidate := range validOutboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox status %q", value)
}
