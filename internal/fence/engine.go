package fence

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/veilchat/veil/internal/bus"
	"github.com/veilchat/veil/internal/store"
)

// Engine consumes decoded group commands and applies them to the store.
// It subscribes to "fence." events on the bus and can also be driven
// directly through Apply.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new fence engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound fence commands on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("fence.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	if evt.Kind != bus.KindFenceCommand {
		return
	}
	cmd, ok := evt.Payload.(*Command)
	if !ok {
		return
	}
	if err := e.Apply(cmd); err != nil {
		e.logger.Error("failed to apply fence command", zap.Error(err),
			zap.Stringer("type", cmd.Type), zap.Int64("fid", cmd.Header.Fid))
	}
}

// Apply computes the target group state for one command and drives the
// store setters. Redelivering a command converges on the same row state:
// every underlying mutation is an idempotent setter or a guarded list
// operation.
func (e *Engine) Apply(cmd *Command) error {
	var err error
	switch cmd.Type {
	case CommandMake:
		err = e.applyMake(cmd)
	case CommandInvite:
		err = e.applyInvite(cmd)
	case CommandJoin:
		err = e.applyJoin(cmd)
	case CommandLeave:
		err = e.applyLeave(cmd)
	case CommandBan:
		err = e.applyBan(cmd)
	case CommandLinkJoin:
		err = e.applyLinkJoin(cmd)
	case CommandState:
		err = e.applyState(cmd)
	case CommandName:
		err = e.applyName(cmd)
	case CommandMaxMembers:
		err = e.db.UpdateMaxMembers(cmd.Header.Fid, cmd.MaxMembers)
	case CommandExpiry:
		err = e.applyExpiry(cmd)
	default:
		e.logger.Warn("unhandled fence command", zap.Stringer("type", cmd.Type),
			zap.Int64("fid", cmd.Header.Fid))
		return nil
	}
	if err != nil {
		return err
	}
	return e.persistRaw(cmd)
}

// persistRaw stores the wire form of the last applied command on the group
// and its thread, for correlation and replay debugging.
func (e *Engine) persistRaw(cmd *Command) error {
	if len(cmd.Raw) == 0 || cmd.Header.Fid <= 0 {
		return nil
	}
	if err := e.db.UpdateGroupFenceCommand(cmd.Header.Fid, cmd.Raw); err != nil {
		return err
	}
	threadID, err := e.db.ThreadIDByFid(cmd.Header.Fid)
	if err != nil {
		return err
	}
	if threadID != 0 {
		return e.db.UpdateThreadFenceCommand(threadID, cmd.Raw)
	}
	return nil
}

// locateGroup finds the command's target: by fid once confirmed, by cname
// or opaque id before that.
func (e *Engine) locateGroup(h Header) (*store.GroupRecord, error) {
	if h.Fid > 0 {
		g, err := e.db.GroupByFid(h.Fid)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, store.ErrNoSuchGroup) {
			return nil, err
		}
	}
	if h.Cname != "" {
		if g, err := e.db.GroupByCname(h.Cname); err != nil || g != nil {
			return g, err
		}
	}
	if h.GroupID != "" {
		return e.db.GroupByID(h.GroupID)
	}
	return nil, nil
}

// markMode keys the transition by fid once the server has confirmed the
// group, by opaque id before that.
func (e *Engine) markMode(g *store.GroupRecord, mode store.GroupMode) error {
	if g.Fid > 0 {
		return e.db.MarkGroupMode(g.Fid, mode)
	}
	return e.db.MarkGroupModeByID(g.GroupID, mode)
}

func (e *Engine) updateMembership(g *store.GroupRecord, list store.MemberList, addr store.Address, mode store.MembershipUpdateMode) error {
	if g.Fid > 0 {
		return e.db.UpdateMembership(g.Fid, list, addr, mode)
	}
	return e.db.UpdateMembershipByID(g.GroupID, list, addr, mode)
}

// applyMake handles the server's answer to a locally initiated creation.
// The local row exists in MAKE_NOT_CONFIRMED with fid 0; acceptance stamps
// the server-assigned fid and promotes the mode. A make for a group this
// device never saw (created on a linked device) materializes the row.
func (e *Engine) applyMake(cmd *Command) error {
	if !cmd.Accepted {
		e.logger.Warn("group creation rejected by server",
			zap.String("cname", cmd.Header.Cname), zap.Int64("fid", cmd.Header.Fid))
		return nil
	}

	g, err := e.locateGroup(cmd.Header)
	if err != nil {
		return err
	}
	if g == nil {
		_, err := e.db.CreateGroup(&store.GroupRecord{
			GroupID:    cmd.Header.GroupID,
			Fid:        cmd.Header.Fid,
			Cname:      cmd.Header.Cname,
			Title:      cmd.Title,
			Mode:       store.ModeJoinAccepted,
			MaxMembers: cmd.MaxMembers,
			Active:     true,
			Members:    cmd.Members,
			Timestamp:  cmd.Header.When,
		})
		if err != nil && !errors.Is(err, store.ErrGroupExists) {
			return fmt.Errorf("materialize group: %w", err)
		}
		return nil
	}

	if g.Fid == 0 && cmd.Header.Fid > 0 {
		if err := e.db.UpdateFid(g.Cname, cmd.Header.Fid); err != nil {
			return err
		}
		g.Fid = cmd.Header.Fid
	}
	return e.markMode(g, store.ModeJoinAccepted)
}

// applyInvite records an invitation. An invite aimed at the local account
// creates the group row when absent; invites aimed at others mutate the
// invited list of an existing group.
func (e *Engine) applyInvite(cmd *Command) error {
	self := e.db.Self()
	g, err := e.locateGroup(cmd.Header)
	if err != nil {
		return err
	}

	if cmd.targets(self) {
		if !cmd.Accepted {
			if g != nil {
				return e.markMode(g, store.ModeInvitationRejected)
			}
			return nil
		}
		if g == nil {
			_, err := e.db.CreateGroup(&store.GroupRecord{
				GroupID:   cmd.Header.GroupID,
				Fid:       cmd.Header.Fid,
				Cname:     cmd.Header.Cname,
				Title:     cmd.Title,
				Mode:      store.ModeInvitation,
				Invited:   []store.Address{self},
				Timestamp: cmd.Header.When,
			})
			if err != nil && !errors.Is(err, store.ErrGroupExists) {
				return fmt.Errorf("materialize invited group: %w", err)
			}
			return nil
		}
		if err := e.markMode(g, store.ModeInvitation); err != nil {
			return err
		}
		return e.updateMembership(g, store.InvitedMembers, self, store.AddMember)
	}

	if g == nil {
		e.logger.Warn("invite for unknown group",
			zap.Int64("fid", cmd.Header.Fid), zap.String("cname", cmd.Header.Cname))
		return nil
	}
	for _, addr := range cmd.Added {
		if err := e.updateMembership(g, store.InvitedMembers, addr, store.AddMember); err != nil {
			return err
		}
	}
	for _, addr := range cmd.Removed {
		if err := e.updateMembership(g, store.InvitedMembers, addr, store.RemoveMember); err != nil {
			return err
		}
	}
	return nil
}

// applyJoin promotes joined parties from the invited list to full members.
// For the local account the target mode depends on how membership began:
// a join on a standing invitation lands in INVITATION_JOIN_ACCEPTED, a
// self-initiated join in JOIN_ACCEPTED.
func (e *Engine) applyJoin(cmd *Command) error {
	g, err := e.locateGroup(cmd.Header)
	if err != nil {
		return err
	}
	if g == nil {
		e.logger.Warn("join for unknown group",
			zap.Int64("fid", cmd.Header.Fid), zap.String("cname", cmd.Header.Cname))
		return nil
	}

	self := e.db.Self()
	if cmd.targets(self) {
		if !cmd.Accepted {
			e.logger.Warn("join rejected by server", zap.Int64("fid", g.Fid))
			return nil
		}
		target := store.ModeJoinAccepted
		switch g.Mode {
		case store.ModeInvitation:
			target = store.ModeInvitationJoinAccepted
		case store.ModeGeoInvite:
			target = store.ModeGeoJoin
		}
		if err := e.markMode(g, target); err != nil {
			return err
		}
	}

	joined := cmd.Affected
	if len(cmd.Added) > 0 {
		joined = cmd.Added
	}
	for _, addr := range joined {
		if containsAddress(g.Invited, addr) {
			if err := e.updateMembership(g, store.InvitedMembers, addr, store.RemoveMember); err != nil {
				return err
			}
		}
		if err := e.updateMembership(g, store.FullMembers, addr, store.AddMember); err != nil {
			return err
		}
	}
	return nil
}

// applyLeave records departures. The local account's accepted leave parks
// the group in LEAVE_ACCEPTED and deactivates it; other members are just
// dropped from the list.
func (e *Engine) applyLeave(cmd *Command) error {
	g, err := e.locateGroup(cmd.Header)
	if err != nil {
		return err
	}
	if g == nil {
		e.logger.Warn("leave for unknown group", zap.Int64("fid", cmd.Header.Fid))
		return nil
	}

	self := e.db.Self()
	if cmd.targets(self) {
		if !cmd.Accepted {
			return e.markMode(g, store.ModeLeaveRejected)
		}
		if err := e.markMode(g, store.ModeLeaveAccepted); err != nil {
			return err
		}
		if err := e.db.SetGroupActive(g.GroupID, false); err != nil {
			return err
		}
	}

	for _, addr := range cmd.Affected {
		if err := e.updateMembership(g, store.FullMembers, addr, store.RemoveMember); err != nil {
			return err
		}
	}
	return nil
}

// applyBan moves banned parties onto the blocked list; a ban of the local
// account also parks the group in BLOCKED.
func (e *Engine) applyBan(cmd *Command) error {
	g, err := e.locateGroup(cmd.Header)
	if err != nil {
		return err
	}
	if g == nil {
		e.logger.Warn("ban for unknown group", zap.Int64("fid", cmd.Header.Fid))
		return nil
	}

	for _, addr := range cmd.Affected {
		if containsAddress(g.Members, addr) {
			if err := e.updateMembership(g, store.FullMembers, addr, store.RemoveMember); err != nil {
				return err
			}
		}
		if err := e.updateMembership(g, store.BlockedMembers, addr, store.AddMember); err != nil {
			return err
		}
	}
	if cmd.targets(e.db.Self()) {
		return e.markMode(g, store.ModeBlocked)
	}
	return nil
}

// applyLinkJoin drives the three-phase link-join flow: a request parks
// parties on the requesting list, a resolution moves them to members or
// drops them. The local account's mode tracks each phase.
func (e *Engine) applyLinkJoin(cmd *Command) error {
	g, err := e.locateGroup(cmd.Header)
	if err != nil {
		return err
	}
	if g == nil {
		e.logger.Warn("link-join for unknown group", zap.Int64("fid", cmd.Header.Fid))
		return nil
	}
	self := e.db.Self()

	// Phase 1: new requests.
	if len(cmd.Added) > 0 {
		for _, addr := range cmd.Added {
			if err := e.updateMembership(g, store.RequestingMembers, addr, store.AddMember); err != nil {
				return err
			}
			if addr == self {
				if err := e.markMode(g, store.ModeLinkJoinRequesting); err != nil {
					return err
				}
			}
		}
		return nil
	}

	// Phase 2/3: resolution of outstanding requests.
	for _, addr := range cmd.Affected {
		if containsAddress(g.Requesting, addr) {
			if err := e.updateMembership(g, store.RequestingMembers, addr, store.RemoveMember); err != nil {
				return err
			}
		}
		if cmd.Accepted {
			if err := e.updateMembership(g, store.FullMembers, addr, store.AddMember); err != nil {
				return err
			}
		}
		if addr == self {
			target := store.ModeLinkJoinRejected
			if cmd.Accepted {
				target = store.ModeLinkJoinAccepted
			}
			if err := e.markMode(g, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyState applies an authoritative server snapshot: the full member
// list replaces the local one wholesale and the group lands in
// JOIN_SYNCED. Unknown groups are materialized from the snapshot.
func (e *Engine) applyState(cmd *Command) error {
	g, err := e.locateGroup(cmd.Header)
	if err != nil {
		return err
	}
	if g == nil {
		_, err := e.db.CreateGroup(&store.GroupRecord{
			GroupID:    cmd.Header.GroupID,
			Fid:        cmd.Header.Fid,
			Cname:      cmd.Header.Cname,
			Title:      cmd.Title,
			Mode:       store.ModeJoinSynced,
			MaxMembers: cmd.MaxMembers,
			Active:     true,
			Members:    cmd.Members,
			Timestamp:  cmd.Header.When,
		})
		if err != nil && !errors.Is(err, store.ErrGroupExists) {
			return fmt.Errorf("materialize synced group: %w", err)
		}
		return nil
	}

	if g.Fid == 0 && cmd.Header.Fid > 0 {
		if err := e.db.UpdateFid(g.Cname, cmd.Header.Fid); err != nil {
			return err
		}
		g.Fid = cmd.Header.Fid
	}
	if err := e.db.ReplaceMemberList(g.GroupID, store.FullMembers, cmd.Members); err != nil {
		return err
	}
	return e.markMode(g, store.ModeJoinSynced)
}

// applyName updates the display title and, when the canonical name
// changes, routes it through collision resolution.
func (e *Engine) applyName(cmd *Command) error {
	if cmd.Title != "" {
		if err := e.db.UpdateTitle(cmd.Header.Fid, cmd.Title); err != nil {
			return err
		}
	}
	if cmd.Header.Cname != "" {
		g, err := e.db.GroupByFid(cmd.Header.Fid)
		if err != nil {
			return err
		}
		if g.Cname != cmd.Header.Cname {
			return e.db.UpdateAndResolveCname(cmd.Header.Fid, cmd.Header.Cname)
		}
	}
	return nil
}

// applyExpiry records the group's new expiration timer on the group row
// and as the thread default.
func (e *Engine) applyExpiry(cmd *Command) error {
	if err := e.db.UpdateGroupTTL(cmd.Header.Fid, cmd.ExpiryMS); err != nil {
		return err
	}
	threadID, err := e.db.ThreadIDByFid(cmd.Header.Fid)
	if err != nil {
		return err
	}
	if threadID != 0 {
		return e.db.SetThreadExpiresIn(threadID, cmd.ExpiryMS)
	}
	return nil
}

func containsAddress(addrs []store.Address, addr store.Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}
