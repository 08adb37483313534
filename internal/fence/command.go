// Package fence applies decoded server-originated group commands to the
// local stores. It computes target membership modes from command semantics
// and drives the store's idempotent setters, so redelivered or reordered
// commands converge on the same state.
package fence

import (
	"github.com/veilchat/veil/internal/store"
)

// CommandType discriminates decoded group protocol commands.
type CommandType int

const (
	CommandUnknown CommandType = iota
	CommandMake                // group creation acknowledgement
	CommandInvite              // invitation issued to this account or others
	CommandJoin                // join acknowledgement (own or other member)
	CommandLeave               // leave acknowledgement (own or other member)
	CommandBan                 // member banned / blocked
	CommandLinkJoin            // join-by-link request and its resolution
	CommandState               // authoritative state sync from the server
	CommandName                // canonical name / title change
	CommandMaxMembers          // member-cap change
	CommandExpiry              // message expiration timer change
)

func (t CommandType) String() string {
	switch t {
	case CommandMake:
		return "make"
	case CommandInvite:
		return "invite"
	case CommandJoin:
		return "join"
	case CommandLeave:
		return "leave"
	case CommandBan:
		return "ban"
	case CommandLinkJoin:
		return "linkjoin"
	case CommandState:
		return "state"
	case CommandName:
		return "name"
	case CommandMaxMembers:
		return "maxmembers"
	case CommandExpiry:
		return "expiry"
	}
	return "unknown"
}

// Header identifies the target group of a command. Fid is authoritative
// once nonzero; Cname locates groups the server has not yet confirmed.
type Header struct {
	Fid     int64
	Cname   string
	GroupID string
	EventID int64
	When    int64
}

// Command is one decoded group protocol instruction. The payload arrives
// already decoded; Raw carries the wire form verbatim for persistence.
type Command struct {
	Header Header
	Type   CommandType

	// Accepted distinguishes a granted request from a rejection.
	Accepted bool

	// Originator is the acting party; empty means the server itself.
	Originator store.Address

	// Affected lists the parties the command applies to. For commands
	// aimed at the local account it holds the self address.
	Affected []store.Address

	// Members carries a full authoritative list when present; Added and
	// Removed carry incremental deltas.
	Members []store.Address
	Added   []store.Address
	Removed []store.Address

	Title      string
	MaxMembers int
	ExpiryMS   int64

	Raw []byte
}

// targets reports whether the command applies to the given address.
func (c *Command) targets(addr store.Address) bool {
	for _, a := range c.Affected {
		if a == addr {
			return true
		}
	}
	return false
}
