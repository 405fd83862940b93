package enums

import "fmt"

// InteractionType identifies the kind of inbound chat-platform event an inbox
// record carries.
type InteractionType string

const (
	InteractionBlockAction    InteractionType = "block_action"
	InteractionViewSubmission InteractionType = "view_submission"
	InteractionViewClosed     InteractionType = "view_closed"
	InteractionShortcut       InteractionType = "shortcut"
	InteractionSlashCommand   InteractionType = "slash_command"
	InteractionEventCallback  InteractionType = "event_callback"
)

var validInteractionTypes = []InteractionType{
	InteractionBlockAction,
	InteractionViewSubmission,
	InteractionViewClosed,
	InteractionShortcut,
	InteractionSlashCommand,
	InteractionEventCallback,
}

// InteractionTypes returns every known interaction type.
func InteractionTypes() []InteractionType {
	out := make([]InteractionType, len(validInteractionTypes))
	copy(out, validInteractionTypes)
	return out
}

// IsValid reports whether the value is a known interaction type.
func (t InteractionType) IsValid() bool {
	for _, candidate := range validInteractionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseInteractionType converts raw input into InteractionType.
func ParseInteractionType(value string) (InteractionType, error) {
	for _, candidate := range validInteractionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid interaction type %q", value)
}

// InboxStatus tracks an inbox record through processing.
type InboxStatus string

const (
	InboxPending      InboxStatus = "pending"
	InboxProcessing   InboxStatus = "processing"
	InboxDone         InboxStatus = "done"
	InboxRetryPending InboxStatus = "retry_pending"
	InboxFailed       InboxStatus = "failed"
)

var validInboxStatuses = []InboxStatus{
	InboxPending,
	InboxProcessing,
	InboxDone,
	InboxRetryPending,
	InboxFailed,
}

// ClaimableInboxStatuses are the states a worker may claim a record from.
func ClaimableInboxStatuses() []InboxStatus {
	return []InboxStatus{InboxPending, InboxRetryPending}
}

// IsValid reports whether the value is a known inbox status.
func (s InboxStatus) IsValid() bool {
	for _, candidate := range validInboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition can happen.
func (s InboxStatus) IsTerminal() bool {
	return s == InboxDone || s == InboxFailed
}

// ParseInboxStatus converts raw input into InboxStatus.
func ParseInboxStatus(value string) (InboxStatus, error) {
	for _, candidate := range validInboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid inbox status %q", value)
}
