package store

import (
	"sort"
	"strings"
)

// Address is the serialized stable identifier of a remote party: a
// phone-number-like string, a group identifier, or an opaque federated
// user id. Ordering is lexical on the serialized form.
type Address string

func (a Address) String() string { return string(a) }

// IsGroup reports whether the address denotes a group recipient.
func (a Address) IsGroup() bool { return strings.HasPrefix(string(a), groupAddressPrefix) }

const groupAddressPrefix = "__veil_group__!"

// GroupAddress builds the group-as-recipient address for a group id.
func GroupAddress(groupID string) Address {
	return Address(groupAddressPrefix + groupID)
}

// serializeAddressList joins addresses into the canonical stored form:
// sorted, comma separated. Sorting makes list equality and hashing
// order-independent in storage.
func serializeAddressList(addrs []Address) string {
	sorted := make([]string, len(addrs))
	for i, a := range addrs {
		sorted[i] = string(a)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func parseAddressList(serialized string) []Address {
	if serialized == "" {
		return nil
	}
	parts := strings.Split(serialized, ",")
	addrs := make([]Address, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			addrs = append(addrs, Address(p))
		}
	}
	return addrs
}

// RecipientID is the database-assigned surrogate key for a resolved
// contact or group-as-contact. Zero is never a valid id.
type RecipientID int64

// GroupMode is the membership-lifecycle state of a group. Transitions are
// driven exclusively by explicit setters; re-applying the current mode is
// a no-op in effect. Integer values are the wire form used by the fence
// protocol and must not be renumbered.
type GroupMode int

const (
	// Pre-membership.
	ModeDeviceLocal   GroupMode = 0 // local to device, backend unaware
	ModeInvitation    GroupMode = 1 // invite received, not acknowledged
	ModeGeoInvite     GroupMode = 2 // geo-location based invitation
	ModeUninvited     GroupMode = 3 // removed from a previously invited-to group

	// Accepted / active.
	ModeJoinAccepted           GroupMode = 10 // server accepted self-initiated join
	ModeInvitationJoinAccepted GroupMode = 11 // server accepted join on an invitation
	ModeGeoJoin                GroupMode = 12 // automatic geo-based join
	ModeJoinSynced             GroupMode = 13 // awaiting join sync view from server
	ModeMakeNotConfirmed       GroupMode = 14 // awaiting creation confirmation
	ModeLinkJoinAccepted       GroupMode = 15 // link-join request granted

	// Leaving / left.
	ModeLeaveAccepted            GroupMode = 20
	ModeLeaveGeoBased            GroupMode = 21
	ModeLeaveNotConfirmed        GroupMode = 22
	ModeLeaveNotConfirmedCleanup GroupMode = 23 // cleanup requested upon confirmed leave
	ModeLeaveRejected            GroupMode = 24

	// Rejected / blocked.
	ModeInvitationRejected GroupMode = 30
	ModeBlocked            GroupMode = 31
	ModeLinkJoinRejected   GroupMode = 32

	// Link-join in progress.
	ModeLinkJoinRequesting GroupMode = 40
)

func (m GroupMode) String() string {
	switch m {
	case ModeDeviceLocal:
		return "DEVICELOCAL"
	case ModeInvitation:
		return "INVITATION"
	case ModeGeoInvite:
		return "GEOBASED_INVITE"
	case ModeUninvited:
		return "UNINVITED"
	case ModeJoinAccepted:
		return "JOIN_ACCEPTED"
	case ModeInvitationJoinAccepted:
		return "INVITATION_JOIN_ACCEPTED"
	case ModeGeoJoin:
		return "GEOBASED_JOIN"
	case ModeJoinSynced:
		return "JOIN_SYNCED"
	case ModeMakeNotConfirmed:
		return "MAKE_NOT_CONFIRMED"
	case ModeLinkJoinAccepted:
		return "LINKJOIN_ACCEPTED"
	case ModeLeaveAccepted:
		return "LEAVE_ACCEPTED"
	case ModeLeaveGeoBased:
		return "LEAVE_GEO_BASED"
	case ModeLeaveNotConfirmed:
		return "LEAVE_NOT_CONFIRMED"
	case ModeLeaveNotConfirmedCleanup:
		return "LEAVE_NOT_CONFIRMED_CLEANUP"
	case ModeLeaveRejected:
		return "LEAVE_REJECTED"
	case ModeInvitationRejected:
		return "INVITATION_REJECTED"
	case ModeBlocked:
		return "BLOCKED"
	case ModeLinkJoinRejected:
		return "LINKJOIN_REJECTED"
	case ModeLinkJoinRequesting:
		return "LINKJOIN_REQUESTING"
	}
	return "UNKNOWN"
}

// IsLeft reports whether the mode denotes a left/leaving group.
func (m GroupMode) IsLeft() bool {
	return m >= ModeLeaveAccepted && m <= ModeLeaveRejected
}

// IsAccepted reports whether the mode denotes active membership.
func (m GroupMode) IsAccepted() bool {
	return m >= ModeJoinAccepted && m <= ModeLinkJoinAccepted
}

// GroupType classifies a group; orthogonal to GroupMode. Guardian groups
// are system-originated relationship groups.
type GroupType int

const (
	GroupTypeUnknown  GroupType = 0
	GroupTypeGeo      GroupType = 1
	GroupTypeUser     GroupType = 2
	GroupTypeGuardian GroupType = 3
)

// PrivacyMode controls group visibility.
type PrivacyMode int

const (
	PrivacyPublic  PrivacyMode = 0
	PrivacyPrivate PrivacyMode = 1
)

// DeliveryMode controls how messages fan out inside a group.
type DeliveryMode int

const (
	DeliveryMany            DeliveryMode = 0
	DeliveryBroadcast       DeliveryMode = 1
	DeliveryBroadcastOneway DeliveryMode = 2
)

// JoinMode controls how new members enter a group.
type JoinMode int

const (
	JoinOpen          JoinMode = 0
	JoinInvite        JoinMode = 1
	JoinOpenWithKey   JoinMode = 2
	JoinInviteWithKey JoinMode = 3
)

// MemberList selects one of the four membership lists on a group row.
type MemberList int

const (
	FullMembers MemberList = iota
	InvitedMembers
	RequestingMembers
	BlockedMembers
)

func (l MemberList) column() string {
	switch l {
	case FullMembers:
		return "members"
	case InvitedMembers:
		return "invited_members"
	case RequestingMembers:
		return "requesting_members"
	case BlockedMembers:
		return "blocked_members"
	}
	panic("store: unknown member list")
}

func (l MemberList) String() string {
	switch l {
	case FullMembers:
		return "members"
	case InvitedMembers:
		return "invited"
	case RequestingMembers:
		return "requesting"
	case BlockedMembers:
		return "blocked"
	}
	return "unknown"
}

// MembershipUpdateMode selects add vs remove for incremental list updates.
type MembershipUpdateMode int

const (
	AddMember MembershipUpdateMode = iota
	RemoveMember
)

// GroupRecord is one row of the group store.
type GroupRecord struct {
	ID         int64
	GroupID    string // opaque, globally unique
	Fid        int64  // server-assigned; 0 until confirmed
	Cname      string // canonical name, globally unique
	Title      string
	Type       GroupType
	Privacy    PrivacyMode
	Delivery   DeliveryMode
	Join       JoinMode
	Mode       GroupMode
	MaxMembers int
	TTL        int64
	OwnerUID   int64
	Longitude  float64
	Latitude   float64
	Active     bool
	Members    []Address
	Invited    []Address
	Requesting []Address
	Blocked    []Address
	// FenceCommand holds the last applied protocol command verbatim,
	// for correlation and replay debugging.
	FenceCommand []byte
	Timestamp    int64
}

// IsPaired reports whether the group models a two-party conversation: a
// private group capped at two members where both parties are full members,
// or one is a member and the other still invited. Computed from the current
// row, never stored.
func (g *GroupRecord) IsPaired() bool {
	if g.Privacy != PrivacyPrivate || g.MaxMembers != 2 {
		return false
	}
	if len(g.Members) == 2 {
		return true
	}
	return len(g.Members) == 1 && len(g.Invited) == 1
}

// ReadState is the thread-level read marker.
type ReadState int

const (
	ThreadUnread       ReadState = 0
	ThreadRead         ReadState = 1
	ThreadForcedUnread ReadState = 2
)

// ThreadRecord is one row of the thread index, keyed 1:1 by recipient.
type ThreadRecord struct {
	ID           int64
	RecipientID  RecipientID
	Fid          int64
	Date         int64
	MessageCount int64
	// Snippet fields are denormalized copies of the most recent
	// displayable message, recomputed by UpdateThread.
	Snippet              string
	SnippetType          MailboxType
	SnippetURI           string
	SnippetContentType   string
	SnippetExtra         string
	UnreadCount          int
	Read                 ReadState
	Archived             bool
	Pinned               int // dense 1-based rank; 0 = unpinned
	ExpiresIn            int64
	LastSeen             int64
	LastScrolled         int64
	DeliveryReceiptCount int
	ReadReceiptCount     int
	FenceCommand         []byte
}

// MessageKind distinguishes the two physical message stores.
type MessageKind int

const (
	KindSimple MessageKind = iota // text-only rows
	KindMedia                     // attachments / rich content rows
)

func (k MessageKind) table() string {
	switch k {
	case KindSimple:
		return "simple_messages"
	case KindMedia:
		return "media_messages"
	}
	panic("store: unknown message kind")
}

func (k MessageKind) String() string {
	if k == KindMedia {
		return "media"
	}
	return "simple"
}

// MessageRecord is the unified read contract over both message stores.
// Media-only fields are zero-valued for simple rows.
type MessageRecord struct {
	ID                   int64
	Kind                 MessageKind
	ThreadID             int64
	RecipientID          RecipientID // sender for inbound, destination for outbound
	DateSent             int64
	DateReceived         int64
	Read                 bool
	Type                 MailboxType
	Body                 string
	DeliveryReceiptCount int
	ReadReceiptCount     int
	ViewedReceiptCount   int
	// ReceiptTimestamp records the first time a read/viewed threshold
	// was crossed; it never increases once set.
	ReceiptTimestamp int64
	ExpiresIn        int64
	ExpireStarted    int64
	FenceCommand     []byte
	GroupID          string
	Fid              int64
	EventID          int64

	// Media only.
	QuoteID        int64
	QuoteAuthor    RecipientID
	QuoteBody      string
	SharedContacts string
	LinkPreviews   string
	ViewOnce       bool
	RemoteDeleted  bool
}

// SyncMessageID identifies a message across devices: the resolved sender
// plus the sender-assigned timestamp.
type SyncMessageID struct {
	RecipientID RecipientID
	Timestamp   int64
}

// MarkedMessage describes one message transitioned to read by a
// thread-level mark-as-read, for fan-out to linked devices.
type MarkedMessage struct {
	ThreadID      int64
	SyncID        SyncMessageID
	MessageID     int64
	Kind          MessageKind
	ExpiresIn     int64
	ExpireStarted int64
}

// ReceiptType classifies an acknowledgement from a remote party.
type ReceiptType int

const (
	ReceiptDelivery ReceiptType = iota
	ReceiptRead
	ReceiptViewed
)

func (t ReceiptType) String() string {
	switch t {
	case ReceiptDelivery:
		return "delivery"
	case ReceiptRead:
		return "read"
	case ReceiptViewed:
		return "viewed"
	}
	return "unknown"
}

// ReceiptStatus is the per-member delivery state on a group receipt row.
type ReceiptStatus int

const (
	StatusUndelivered ReceiptStatus = 0
	StatusDelivered   ReceiptStatus = 1
	StatusRead        ReceiptStatus = 2
	StatusViewed      ReceiptStatus = 3
)

func (t ReceiptType) status() ReceiptStatus {
	switch t {
	case ReceiptRead:
		return StatusRead
	case ReceiptViewed:
		return StatusViewed
	}
	return StatusDelivered
}

// GroupReceipt is one per-member receipt row seeded at outbound group send.
type GroupReceipt struct {
	MessageID   int64
	Kind        MessageKind
	RecipientID RecipientID
	Status      ReceiptStatus
	Timestamp   int64
}

// Attachment is one associated attachment row.
type Attachment struct {
	ID          int64
	MessageID   int64
	Kind        MessageKind
	ContentType string
	FileName    string
	Size        int64
	Digest      string
	URI         string
}

// Mention is one associated mention row.
type Mention struct {
	ID          int64
	MessageID   int64
	Kind        MessageKind
	RecipientID RecipientID
	RangeStart  int
	RangeLength int
}

// Reaction is one associated reaction row.
type Reaction struct {
	ID        int64
	MessageID int64
	Kind      MessageKind
	AuthorID  RecipientID
	Emoji     string
	DateSent  int64
}

// Draft is a per-thread unsent composition fragment.
type Draft struct {
	ThreadID int64
	Type     string
	Value    string
}
