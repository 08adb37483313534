package store

// MailboxType is the 64-bit bitmask stored with every message row. The low
// bits hold the base type (direction plus send progress); the high bits are
// independent attribute flags. Values are part of the stored format and must
// not be renumbered.
type MailboxType int64

const (
	baseTypeMask MailboxType = 0x1F

	// Base types.
	BaseInbox      MailboxType = 20
	BaseOutbox     MailboxType = 21
	BaseSending    MailboxType = 22
	BaseSent       MailboxType = 23
	BaseSentFailed MailboxType = 24
	BaseDraft      MailboxType = 27

	// Transport class.
	ForcedSMSBit     MailboxType = 0x40
	PushMessageBit   MailboxType = 0x400000
	SecureMessageBit MailboxType = 0x800000

	// Special classes.
	GroupUpdateBit           MailboxType = 0x10000
	GroupLeaveBit            MailboxType = 0x20000
	ExpirationTimerUpdateBit MailboxType = 0x40000
	StoryBit                 MailboxType = 0x8000000
	StoryReactionBit         MailboxType = 0x10000000
)

// BaseType strips the attribute flags.
func (t MailboxType) BaseType() MailboxType { return t & baseTypeMask }

// IsInbound reports whether the message was received rather than sent.
func (t MailboxType) IsInbound() bool { return t.BaseType() == BaseInbox }

// IsOutbound reports whether the message originated locally.
func (t MailboxType) IsOutbound() bool {
	switch t.BaseType() {
	case BaseOutbox, BaseSending, BaseSent, BaseSentFailed:
		return true
	}
	return false
}

func (t MailboxType) IsSecure() bool      { return t&SecureMessageBit != 0 }
func (t MailboxType) IsPush() bool        { return t&PushMessageBit != 0 }
func (t MailboxType) IsForcedSMS() bool   { return t&ForcedSMSBit != 0 }
func (t MailboxType) IsGroupUpdate() bool { return t&GroupUpdateBit != 0 }
func (t MailboxType) IsGroupLeave() bool  { return t&GroupLeaveBit != 0 }
func (t MailboxType) IsTimerUpdate() bool { return t&ExpirationTimerUpdateBit != 0 }
func (t MailboxType) IsStory() bool       { return t&StoryBit != 0 }

// IsMeaningful reports whether the message counts toward unread state and
// snippet display. Silent system events (timer updates, stories) do not.
func (t MailboxType) IsMeaningful() bool {
	return t&(ExpirationTimerUpdateBit|StoryBit) == 0
}

// meaningfulPredicate is the SQL form of MailboxType.IsMeaningful.
const meaningfulPredicate = "(mailbox_type & 0x8040000) = 0"
