package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// allocateGroupID mints a new opaque group identifier for groups created
// locally before the server has assigned an fid.
func allocateGroupID() string {
	return uuid.NewString()
}

const groupColumns = `_id, group_id, fid, cname, title, fence_type, privacy_mode,
	delivery_mode, join_mode, mode, max_members, ttl, owner_uid, longitude,
	latitude, active, members, invited_members, requesting_members,
	blocked_members, fence_command, timestamp`

func scanGroup(row interface{ Scan(...any) error }) (*GroupRecord, error) {
	var (
		g                                        GroupRecord
		groupID                                  sql.NullString
		members, invited, requesting, blocked    string
		fenceType, privacy, delivery, join, mode int
		active                                   int
	)
	err := row.Scan(&g.ID, &groupID, &g.Fid, &g.Cname, &g.Title, &fenceType,
		&privacy, &delivery, &join, &mode, &g.MaxMembers, &g.TTL, &g.OwnerUID,
		&g.Longitude, &g.Latitude, &active, &members, &invited, &requesting,
		&blocked, &g.FenceCommand, &g.Timestamp)
	if err != nil {
		return nil, err
	}
	g.GroupID = groupID.String
	g.Type = GroupType(fenceType)
	g.Privacy = PrivacyMode(privacy)
	g.Delivery = DeliveryMode(delivery)
	g.Join = JoinMode(join)
	g.Mode = GroupMode(mode)
	g.Active = active != 0
	g.Members = parseAddressList(members)
	g.Invited = parseAddressList(invited)
	g.Requesting = parseAddressList(requesting)
	g.Blocked = parseAddressList(blocked)
	return &g, nil
}

// CreateGroup inserts a new group row. A missing group id is allocated; an
// existing group id or canonical name yields ErrGroupExists. Returns the
// row id.
func (db *DB) CreateGroup(g *GroupRecord) (int64, error) {
	if g.Cname == "" {
		return 0, fmt.Errorf("create group: empty cname")
	}
	if g.GroupID == "" {
		g.GroupID = allocateGroupID()
	}
	if g.Timestamp == 0 {
		g.Timestamp = time.Now().UnixMilli()
	}

	var exists int
	err := db.QueryRow(`SELECT 1 FROM groups WHERE group_id = ? OR cname = ?`, g.GroupID, g.Cname).Scan(&exists)
	if err == nil {
		return 0, fmt.Errorf("create group %q: %w", g.Cname, ErrGroupExists)
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("create group lookup: %w", err)
	}

	res, err := db.Exec(`
		INSERT INTO groups (group_id, fid, cname, title, fence_type, privacy_mode,
			delivery_mode, join_mode, mode, max_members, ttl, owner_uid,
			longitude, latitude, active, members, invited_members,
			requesting_members, blocked_members, fence_command, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.GroupID, g.Fid, g.Cname, g.Title, int(g.Type), int(g.Privacy),
		int(g.Delivery), int(g.Join), int(g.Mode), g.MaxMembers, g.TTL,
		g.OwnerUID, g.Longitude, g.Latitude, boolToInt(g.Active),
		serializeAddressList(g.Members), serializeAddressList(g.Invited),
		serializeAddressList(g.Requesting), serializeAddressList(g.Blocked),
		g.FenceCommand, g.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("insert group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	g.ID = id
	db.notifyConversationList()
	return id, nil
}

// GroupByID returns the group with the given opaque group id, or nil.
func (db *DB) GroupByID(groupID string) (*GroupRecord, error) {
	g, err := scanGroup(db.QueryRow(`SELECT `+groupColumns+` FROM groups WHERE group_id = ?`, groupID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("group by id: %w", err)
	}
	return g, nil
}

// GroupByCname returns the group with the given canonical name, or nil.
func (db *DB) GroupByCname(cname string) (*GroupRecord, error) {
	g, err := scanGroup(db.QueryRow(`SELECT `+groupColumns+` FROM groups WHERE cname = ?`, cname))
	if err == sql.ErrNoRows {
		db.logger.Debug("no group for cname", zap.String("cname", cname))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("group by cname: %w", err)
	}
	return g, nil
}

// GroupByFid returns the group with the given server-assigned numeric id.
// Absence of a known-valid fid is a data-integrity condition, logged and
// reported as ErrNoSuchGroup.
func (db *DB) GroupByFid(fid int64) (*GroupRecord, error) {
	if fid <= 0 {
		return nil, ErrNoSuchGroup
	}
	g, err := scanGroup(db.QueryRow(`SELECT `+groupColumns+` FROM groups WHERE fid = ?`, fid))
	if err == sql.ErrNoRows {
		db.logger.Error("data integrity: no group row for fid", zap.Int64("fid", fid))
		return nil, ErrNoSuchGroup
	}
	if err != nil {
		return nil, fmt.Errorf("group by fid: %w", err)
	}
	return g, nil
}

func (db *DB) groupsWhere(where string, args ...any) ([]*GroupRecord, error) {
	q := `SELECT ` + groupColumns + ` FROM groups`
	if where != "" {
		q += ` WHERE ` + where
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*GroupRecord
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// modePredicate builds a parameterized mode-set membership filter.
func modePredicate(modes []GroupMode) (string, []any) {
	placeholders := make([]string, len(modes))
	args := make([]any, len(modes))
	for i, m := range modes {
		placeholders[i] = "?"
		args[i] = int(m)
	}
	return "mode IN (" + strings.Join(placeholders, ", ") + ")", args
}

// GroupsByMode returns all groups whose mode is in the given set.
func (db *DB) GroupsByMode(modes ...GroupMode) ([]*GroupRecord, error) {
	if len(modes) == 0 {
		return nil, nil
	}
	where, args := modePredicate(modes)
	return db.groupsWhere(where, args...)
}

// InvitedGroups returns groups holding a pending invitation for this user.
func (db *DB) InvitedGroups() ([]*GroupRecord, error) {
	return db.GroupsByMode(ModeInvitation, ModeGeoInvite)
}

// LeftGroups returns groups this user has left or is leaving.
func (db *DB) LeftGroups() ([]*GroupRecord, error) {
	return db.GroupsByMode(ModeLeaveAccepted, ModeLeaveGeoBased,
		ModeLeaveNotConfirmed, ModeLeaveNotConfirmedCleanup, ModeLeaveRejected)
}

// GuardianGroups returns system-originated relationship groups.
func (db *DB) GuardianGroups() ([]*GroupRecord, error) {
	return db.groupsWhere(`fence_type = ?`, int(GroupTypeGuardian))
}

// ActiveGroups returns active groups with confirmed server ids.
func (db *DB) ActiveGroups() ([]*GroupRecord, error) {
	return db.groupsWhere(`active = 1 AND fid > 0`)
}

// GroupsContainingMember returns every group whose full-member list holds
// the given address.
func (db *DB) GroupsContainingMember(addr Address) ([]*GroupRecord, error) {
	candidates, err := db.groupsWhere(`members LIKE '%' || ? || '%'`, string(addr))
	if err != nil {
		return nil, err
	}
	// LIKE over the serialized list can match substrings of other
	// addresses; confirm against the parsed list.
	groups := candidates[:0]
	for _, g := range candidates {
		if containsAddress(g.Members, addr) {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

func containsAddress(addrs []Address, addr Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// MarkGroupMode sets the membership-lifecycle mode for a confirmed group.
// The store performs no transition validation: the protocol may re-deliver
// commands, and re-applying the same mode must be a no-op in effect. A
// missing group is logged and ignored. Unconfirmed groups (fid still 0)
// share that fid value and must be addressed by opaque id instead.
func (db *DB) MarkGroupMode(fid int64, mode GroupMode) error {
	if fid <= 0 {
		db.logger.Warn("data integrity: mode transition without confirmed fid",
			zap.Int64("fid", fid), zap.Stringer("mode", mode))
		return nil
	}
	return db.markGroupMode(`fid = ?`, fid, mode)
}

// MarkGroupModeByID sets the mode for a group the server has not yet
// confirmed, keyed by opaque group id.
func (db *DB) MarkGroupModeByID(groupID string, mode GroupMode) error {
	return db.markGroupMode(`group_id = ?`, groupID, mode)
}

func (db *DB) markGroupMode(where string, key any, mode GroupMode) error {
	res, err := db.Exec(`UPDATE groups SET mode = ? WHERE `+where, int(mode), key)
	if err != nil {
		return fmt.Errorf("mark group mode: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		db.logger.Warn("data integrity: no group for mode transition",
			zap.Any("group", key), zap.Stringer("mode", mode))
		return nil
	}
	db.notifyConversationList()
	return nil
}

// GroupMode returns the current mode for an fid, or ErrNoSuchGroup.
func (db *DB) GroupMode(fid int64) (GroupMode, error) {
	if fid <= 0 {
		return 0, ErrNoSuchGroup
	}
	var mode int
	err := db.QueryRow(`SELECT mode FROM groups WHERE fid = ?`, fid).Scan(&mode)
	if err == sql.ErrNoRows {
		return 0, ErrNoSuchGroup
	}
	if err != nil {
		return 0, fmt.Errorf("group mode: %w", err)
	}
	return GroupMode(mode), nil
}

// UpdateFid stamps the server-confirmed numeric id onto the group located
// by canonical name. Used when the server acknowledges group creation.
func (db *DB) UpdateFid(cname string, fid int64) error {
	if _, err := db.Exec(`UPDATE groups SET fid = ? WHERE cname = ?`, fid, cname); err != nil {
		return fmt.Errorf("update fid: %w", err)
	}
	return nil
}

func (db *DB) updateGroupField(fid int64, column string, value any) error {
	// fid 0 is shared by every unconfirmed group; an unkeyed update would
	// mutate them all.
	if fid <= 0 {
		db.logger.Warn("data integrity: group field update without confirmed fid",
			zap.Int64("fid", fid), zap.String("column", column))
		return nil
	}
	if _, err := db.Exec(`UPDATE groups SET `+column+` = ? WHERE fid = ?`, value, fid); err != nil {
		return fmt.Errorf("update group %s: %w", column, err)
	}
	return nil
}

func (db *DB) UpdateTitle(fid int64, title string) error {
	if err := db.updateGroupField(fid, "title", title); err != nil {
		return err
	}
	db.notifyConversationList()
	return nil
}

func (db *DB) UpdateMaxMembers(fid int64, maxMembers int) error {
	return db.updateGroupField(fid, "max_members", maxMembers)
}

func (db *DB) UpdateOwnerUID(fid int64, ownerUID int64) error {
	return db.updateGroupField(fid, "owner_uid", ownerUID)
}

func (db *DB) UpdatePrivacyMode(fid int64, mode PrivacyMode) error {
	return db.updateGroupField(fid, "privacy_mode", int(mode))
}

func (db *DB) UpdateDeliveryMode(fid int64, mode DeliveryMode) error {
	return db.updateGroupField(fid, "delivery_mode", int(mode))
}

func (db *DB) UpdateJoinMode(fid int64, mode JoinMode) error {
	return db.updateGroupField(fid, "join_mode", int(mode))
}

func (db *DB) UpdateGroupType(fid int64, t GroupType) error {
	return db.updateGroupField(fid, "fence_type", int(t))
}

func (db *DB) UpdateGroupTTL(fid int64, ttl int64) error {
	return db.updateGroupField(fid, "ttl", ttl)
}

func (db *DB) UpdateGroupGeo(fid int64, longitude, latitude float64) error {
	if fid <= 0 {
		db.logger.Warn("data integrity: geo update without confirmed fid", zap.Int64("fid", fid))
		return nil
	}
	if _, err := db.Exec(`UPDATE groups SET longitude = ?, latitude = ? WHERE fid = ?`,
		longitude, latitude, fid); err != nil {
		return fmt.Errorf("update group geo: %w", err)
	}
	return nil
}

// UpdateGroupFenceCommand stores the last applied protocol command verbatim.
func (db *DB) UpdateGroupFenceCommand(fid int64, raw []byte) error {
	return db.updateGroupField(fid, "fence_command", raw)
}

// SetGroupActive flips the active flag by opaque group id.
func (db *DB) SetGroupActive(groupID string, active bool) error {
	if _, err := db.Exec(`UPDATE groups SET active = ? WHERE group_id = ?`,
		boolToInt(active), groupID); err != nil {
		return fmt.Errorf("set group active: %w", err)
	}
	return nil
}

func (db *DB) updateCnameByFid(fid int64, cname string) error {
	return db.updateGroupField(fid, "cname", cname)
}

func (db *DB) updateCnameByGroupID(groupID, cname string) error {
	if _, err := db.Exec(`UPDATE groups SET cname = ? WHERE group_id = ?`, cname, groupID); err != nil {
		return fmt.Errorf("update group cname: %w", err)
	}
	return nil
}

// UpdateAndResolveCname assigns a new canonical name to the group located
// by fid, resolving collisions against the unique cname index. An inactive
// holder of the name is superseded and deleted; an active holder keeps the
// name and the incoming assignment is disambiguated with a timestamp
// suffix instead of being rejected. Best-effort by design.
func (db *DB) UpdateAndResolveCname(fid int64, cname string) error {
	existing, err := db.GroupByCname(cname)
	if err != nil {
		return err
	}
	if existing == nil || existing.Fid == fid {
		return db.updateCnameByFid(fid, cname)
	}

	db.logger.Warn("data integrity: cname already held",
		zap.String("cname", cname),
		zap.Int64("fid", fid),
		zap.Int64("holder_fid", existing.Fid),
		zap.Bool("holder_active", existing.Active))

	if !existing.Active {
		// Superseded row; remove it and take the name.
		if err := db.DeleteGroup(existing.GroupID); err != nil {
			return err
		}
		return db.updateCnameByFid(fid, cname)
	}

	// Active holder keeps the name; disambiguate the incoming one.
	suffixed := cname + strconv.FormatInt(time.Now().UnixMilli(), 10)
	db.logger.Warn("cname collision: assigning disambiguated name",
		zap.String("cname", cname), zap.String("assigned", suffixed), zap.Int64("fid", fid))
	return db.updateCnameByFid(fid, suffixed)
}

// DeleteGroup hard-deletes a group row by opaque id.
func (db *DB) DeleteGroup(groupID string) error {
	if _, err := db.Exec(`DELETE FROM groups WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	db.notifyConversationList()
	return nil
}

// CleanUpGroup transactionally deletes the owning thread (if any) and the
// group row (if a group id is given). Best-effort reconciliation for
// orphaned local state discovered during canonical-name lookup; never
// invoked automatically elsewhere.
func (db *DB) CleanUpGroup(groupID string, threadID int64) error {
	err := db.inTransaction(func(tx *sql.Tx) error {
		if threadID > 0 {
			if _, err := tx.Exec(`DELETE FROM threads WHERE _id = ?`, threadID); err != nil {
				return fmt.Errorf("cleanup thread: %w", err)
			}
		}
		if groupID != "" {
			if _, err := tx.Exec(`DELETE FROM groups WHERE group_id = ?`, groupID); err != nil {
				return fmt.Errorf("cleanup group: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.notifyConversationList()
	return nil
}

// IsGroupAvailableByCname reports whether the canonical name is free for a
// new group. When cleanupOrphans is set, an orphaned holder (fid still 0,
// inactive, or without a thread) is removed via CleanUpGroup.
func (db *DB) IsGroupAvailableByCname(cname string, cleanupOrphans bool) (bool, error) {
	g, err := scanGroup(db.QueryRow(`SELECT `+groupColumns+` FROM groups WHERE cname = ? COLLATE NOCASE`, cname))
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("cname availability: %w", err)
	}

	threadID, err := db.threadIDByGroup(g)
	if err != nil {
		return false, err
	}
	if g.Fid == 0 || !g.Active || threadID == 0 {
		db.logger.Warn("data integrity: orphaned group holds cname",
			zap.String("cname", cname), zap.Int64("fid", g.Fid), zap.Bool("active", g.Active))
		if cleanupOrphans {
			if err := db.CleanUpGroup(g.GroupID, threadID); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (db *DB) threadIDByGroup(g *GroupRecord) (int64, error) {
	if g.Fid > 0 {
		if id, err := db.ThreadIDByFid(g.Fid); err == nil && id != 0 {
			return id, nil
		} else if err != nil {
			return 0, err
		}
	}
	rid, ok := db.lookupRecipient(GroupAddress(g.GroupID))
	if !ok {
		return 0, nil
	}
	id, err := db.ThreadIDFor(rid)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// lookupRecipient resolves an address without creating a row.
func (db *DB) lookupRecipient(addr Address) (RecipientID, bool) {
	db.mu.RLock()
	id, ok := db.idByAddr[addr]
	db.mu.RUnlock()
	if ok {
		return id, true
	}
	var raw int64
	if err := db.QueryRow(`SELECT _id FROM recipients WHERE address = ?`, string(addr)).Scan(&raw); err != nil {
		return 0, false
	}
	return RecipientID(raw), true
}

// ReplaceMemberList overwrites one membership list with an authoritative
// full list from the server, in canonical sorted form. Replacing the full
// member list also reactivates the group.
func (db *DB) ReplaceMemberList(groupID string, list MemberList, members []Address) error {
	set := list.column() + ` = ?`
	args := []any{serializeAddressList(members)}
	if list == FullMembers {
		set += `, active = 1`
	}
	args = append(args, groupID)
	if _, err := db.Exec(`UPDATE groups SET `+set+` WHERE group_id = ?`, args...); err != nil {
		return fmt.Errorf("replace %s list: %w", list, err)
	}
	db.notifyConversationList()
	return nil
}

// UpdateMembership applies a single-element add or remove to one
// membership list. Adding a present address or removing an absent one is a
// no-op, logged as a data-integrity warning: the protocol may re-deliver
// incremental commands and both directions must stay idempotent.
func (db *DB) UpdateMembership(fid int64, list MemberList, addr Address, mode MembershipUpdateMode) error {
	if fid <= 0 {
		db.logger.Warn("data integrity: membership update without confirmed fid",
			zap.Int64("fid", fid), zap.Stringer("list", list), zap.String("address", string(addr)))
		return nil
	}
	return db.updateMembership(`fid = ?`, fid, list, addr, mode)
}

// UpdateMembershipByID is UpdateMembership keyed by opaque group id, for
// groups the server has not yet confirmed.
func (db *DB) UpdateMembershipByID(groupID string, list MemberList, addr Address, mode MembershipUpdateMode) error {
	return db.updateMembership(`group_id = ?`, groupID, list, addr, mode)
}

func (db *DB) updateMembership(where string, key any, list MemberList, addr Address, mode MembershipUpdateMode) error {
	existing, err := db.memberList(where, key, list)
	if err != nil {
		return err
	}

	present := containsAddress(existing, addr)
	switch {
	case mode == AddMember && present:
		db.logger.Warn("data integrity: list already contains member",
			zap.Any("group", key), zap.Stringer("list", list), zap.String("address", string(addr)))
		return nil
	case mode == RemoveMember && !present:
		db.logger.Warn("data integrity: cannot remove absent member",
			zap.Any("group", key), zap.Stringer("list", list), zap.String("address", string(addr)))
		return nil
	case mode == AddMember:
		existing = append(existing, addr)
	default:
		trimmed := existing[:0]
		for _, a := range existing {
			if a != addr {
				trimmed = append(trimmed, a)
			}
		}
		existing = trimmed
	}

	if _, err := db.Exec(`UPDATE groups SET `+list.column()+` = ? WHERE `+where,
		serializeAddressList(existing), key); err != nil {
		return fmt.Errorf("update %s list: %w", list, err)
	}
	db.notifyConversationList()
	return nil
}

// MemberListByFid returns one membership list for a confirmed group.
func (db *DB) MemberListByFid(fid int64, list MemberList) ([]Address, error) {
	if fid <= 0 {
		return nil, ErrNoSuchGroup
	}
	return db.memberList(`fid = ?`, fid, list)
}

func (db *DB) memberList(where string, key any, list MemberList) ([]Address, error) {
	var serialized string
	err := db.QueryRow(`SELECT `+list.column()+` FROM groups WHERE `+where, key).Scan(&serialized)
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchGroup
	}
	if err != nil {
		return nil, fmt.Errorf("member list: %w", err)
	}
	return parseAddressList(serialized), nil
}

// GroupMembers resolves the full member list to recipient ids, optionally
// excluding the local account.
func (db *DB) GroupMembers(fid int64, ignoreSelf bool) ([]RecipientID, error) {
	members, err := db.MemberListByFid(fid, FullMembers)
	if err != nil {
		return nil, err
	}
	self := db.Self()
	ids := make([]RecipientID, 0, len(members))
	for _, m := range members {
		if ignoreSelf && self != "" && m == self {
			continue
		}
		id, err := db.ResolveAddress(m)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
