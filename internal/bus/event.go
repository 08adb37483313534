package bus

import "time"

// Event kinds published by the store and fence engine. Subscribers filter
// by namespace prefix, e.g. "thread." receives all thread events.
const (
	KindConversationListChanged = "conversation_list.changed"
	KindThreadChanged           = "thread.changed"
	KindMessageChanged          = "message.changed"
	KindAttachmentChanged       = "attachment.changed"
	KindFenceCommand            = "fence.command"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ThreadChange identifies the thread a "thread.changed" event refers to.
type ThreadChange struct {
	ThreadID int64
}

// MessageChange identifies the message a "message.changed" event refers to.
// Media selects between the two physical message stores.
type MessageChange struct {
	MessageID int64
	Media     bool
}

// AttachmentChange identifies an attachment row that changed.
type AttachmentChange struct {
	AttachmentID int64
}
