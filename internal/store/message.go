package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const commonMessageColumns = `_id, thread_id, recipient_id, date_sent,
	date_received, read, mailbox_type, body, delivery_receipt_count,
	read_receipt_count, viewed_receipt_count, receipt_timestamp, expires_in,
	expire_started, remote_deleted, fence_command, gid, fid, event_id`

const mediaOnlyColumns = `, quote_id, quote_author, quote_body,
	shared_contacts, link_previews, view_once`

func messageColumns(kind MessageKind) string {
	if kind == KindMedia {
		return commonMessageColumns + mediaOnlyColumns
	}
	return commonMessageColumns
}

func scanMessage(kind MessageKind, row interface{ Scan(...any) error }) (*MessageRecord, error) {
	var (
		m                                    MessageRecord
		rid, mailboxType                     int64
		read, remoteDeleted                  int
		body, quoteBody, contacts, previews  sql.NullString
		quoteAuthor                          int64
		viewOnce                             int
	)
	dest := []any{&m.ID, &m.ThreadID, &rid, &m.DateSent, &m.DateReceived,
		&read, &mailboxType, &body, &m.DeliveryReceiptCount,
		&m.ReadReceiptCount, &m.ViewedReceiptCount, &m.ReceiptTimestamp,
		&m.ExpiresIn, &m.ExpireStarted, &remoteDeleted, &m.FenceCommand,
		&m.GroupID, &m.Fid, &m.EventID}
	if kind == KindMedia {
		dest = append(dest, &m.QuoteID, &quoteAuthor, &quoteBody, &contacts, &previews, &viewOnce)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	m.Kind = kind
	m.RecipientID = RecipientID(rid)
	m.Read = read != 0
	m.Type = MailboxType(mailboxType)
	m.Body = body.String
	m.RemoteDeleted = remoteDeleted != 0
	if kind == KindMedia {
		m.QuoteAuthor = RecipientID(quoteAuthor)
		m.QuoteBody = quoteBody.String
		m.SharedContacts = contacts.String
		m.LinkPreviews = previews.String
		m.ViewOnce = viewOnce != 0
	}
	return &m, nil
}

// IncomingAttachment, IncomingMention and IncomingQuote describe associated
// content on a decoded message descriptor, persisted as dependent rows.
type IncomingAttachment struct {
	ContentType string
	FileName    string
	Size        int64
	Digest      string
	URI         string
}

type IncomingMention struct {
	Address     Address
	RangeStart  int
	RangeLength int
}

type IncomingQuote struct {
	ID     int64
	Author Address
	Body   string
}

// IncomingMessage is a decoded inbound message descriptor. The fence
// command blob is persisted verbatim and re-emitted unmodified on read.
type IncomingMessage struct {
	Sender       Address
	GroupID      string
	Fid          int64
	EventID      int64
	DateSent     int64
	DateReceived int64 // 0 means now
	Body         string
	Kind         MessageKind
	Secure       bool
	Push         bool
	GroupUpdate  bool
	GroupLeave   bool
	TimerUpdate  bool
	Story        bool
	ViewOnce     bool
	ExpiresIn    int64
	FenceCommand []byte

	Attachments    []IncomingAttachment
	Mentions       []IncomingMention
	Quote          *IncomingQuote
	SharedContacts string
	LinkPreviews   string
}

// OutgoingMessage is a locally composed message descriptor.
type OutgoingMessage struct {
	Recipient     Address // individual or group-as-recipient
	GroupID       string
	Fid           int64
	EventID       int64
	DateSent      int64
	Body          string
	Kind          MessageKind
	Secure        bool
	Push          bool
	ForcedSMS     bool
	GroupUpdate   bool
	GroupLeave    bool
	TimerUpdate   bool
	StoryReaction bool
	ViewOnce      bool
	ExpiresIn     int64
	FenceCommand  []byte

	Attachments    []IncomingAttachment
	Mentions       []IncomingMention
	Quote          *IncomingQuote
	SharedContacts string
	LinkPreviews   string
}

// InsertResult reports where an insertion landed. Duplicate means the
// dedupe triple matched an existing row and nothing was written.
type InsertResult struct {
	MessageID int64
	ThreadID  int64
	Kind      MessageKind
	Duplicate bool
}

func (in *IncomingMessage) mailboxType() MailboxType {
	t := BaseInbox
	if in.Secure {
		t |= SecureMessageBit
	}
	if in.Push {
		t |= PushMessageBit
	}
	if in.GroupUpdate {
		t |= GroupUpdateBit
	}
	if in.GroupLeave {
		t |= GroupLeaveBit
	}
	if in.TimerUpdate {
		t |= ExpirationTimerUpdateBit
	}
	if in.Story {
		t |= StoryBit
	}
	return t
}

func (out *OutgoingMessage) mailboxType() MailboxType {
	t := BaseSending
	if out.Secure {
		t |= SecureMessageBit
	}
	if out.Push {
		t |= PushMessageBit
	}
	if out.ForcedSMS {
		t |= ForcedSMSBit
	}
	if out.GroupUpdate {
		t |= GroupUpdateBit
	}
	if out.GroupLeave {
		t |= GroupLeaveBit
	}
	if out.TimerUpdate {
		t |= ExpirationTimerUpdateBit
	}
	if out.StoryReaction {
		t |= StoryReactionBit
	}
	return t
}

// InsertInbound persists a decoded incoming message: resolve or create its
// thread, deduplicate on (threadId, dateSent, recipientId), write the row
// with its dependent rows, then recompute the thread. A true duplicate is
// a normal outcome of at-least-once delivery, not an error.
func (db *DB) InsertInbound(in *IncomingMessage) (*InsertResult, error) {
	if in.Kind == KindSimple && (len(in.Attachments) > 0 || in.Quote != nil) {
		panic("store: simple message cannot carry rich content")
	}

	senderID, err := db.ResolveAddress(in.Sender)
	if err != nil {
		return nil, err
	}
	threadID, err := db.threadForInbound(in, senderID)
	if err != nil {
		return nil, err
	}

	var exists int
	err = db.QueryRow(`SELECT 1 FROM `+in.Kind.table()+` WHERE thread_id = ? AND date_sent = ? AND recipient_id = ?`,
		threadID, in.DateSent, int64(senderID)).Scan(&exists)
	if err == nil {
		db.logger.Debug("duplicate inbound message dropped",
			zap.Int64("thread_id", threadID),
			zap.Int64("date_sent", in.DateSent),
			zap.Int64("sender", int64(senderID)))
		return &InsertResult{ThreadID: threadID, Kind: in.Kind, Duplicate: true}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("dedupe lookup: %w", err)
	}

	received := in.DateReceived
	if received == 0 {
		received = time.Now().UnixMilli()
	}

	// Resolve every referenced address before the transaction: the
	// resolver writes through its own connection and must not contend
	// with an open write transaction.
	quoteAuthor, err := db.quoteAuthorID(in.Quote)
	if err != nil {
		return nil, err
	}
	mentions, err := db.resolveMentions(in.Kind, in.Mentions)
	if err != nil {
		return nil, err
	}

	var messageID int64
	err = db.inTransaction(func(tx *sql.Tx) error {
		id, err := insertMessageTx(tx, in.Kind, &MessageRecord{
			ThreadID:       threadID,
			RecipientID:    senderID,
			DateSent:       in.DateSent,
			DateReceived:   received,
			Type:           in.mailboxType(),
			Body:           in.Body,
			ExpiresIn:      in.ExpiresIn,
			FenceCommand:   in.FenceCommand,
			GroupID:        in.GroupID,
			Fid:            in.Fid,
			EventID:        in.EventID,
			QuoteID:        quoteID(in.Quote),
			QuoteBody:      quoteBody(in.Quote),
			SharedContacts: in.SharedContacts,
			LinkPreviews:   in.LinkPreviews,
			ViewOnce:       in.ViewOnce,
		}, quoteAuthor)
		if err != nil {
			return err
		}
		messageID = id
		return insertDependentsTx(tx, id, in.Kind, in.Attachments, mentions)
	})
	if err != nil {
		return nil, err
	}

	if err := db.UpdateThread(threadID, true); err != nil {
		return nil, err
	}
	db.notifyMessage(messageID, in.Kind)
	return &InsertResult{MessageID: messageID, ThreadID: threadID, Kind: in.Kind}, nil
}

func (db *DB) threadForInbound(in *IncomingMessage, senderID RecipientID) (int64, error) {
	groupID := in.GroupID
	if groupID == "" && in.Fid > 0 {
		if g, err := db.GroupByFid(in.Fid); err == nil {
			groupID = g.GroupID
		}
	}
	if groupID == "" {
		return db.GetOrCreateThreadID(senderID)
	}
	groupRID, err := db.ResolveAddress(GroupAddress(groupID))
	if err != nil {
		return 0, err
	}
	return db.GetOrCreateGroupThreadID(groupRID, in.Fid)
}

func quoteID(q *IncomingQuote) int64 {
	if q == nil {
		return 0
	}
	return q.ID
}

func quoteBody(q *IncomingQuote) string {
	if q == nil {
		return ""
	}
	return q.Body
}

func (db *DB) quoteAuthorID(q *IncomingQuote) (RecipientID, error) {
	if q == nil || q.Author == "" {
		return 0, nil
	}
	return db.ResolveAddress(q.Author)
}

func (db *DB) resolveMentions(kind MessageKind, in []IncomingMention) ([]Mention, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]Mention, 0, len(in))
	for _, mn := range in {
		rid, err := db.ResolveAddress(mn.Address)
		if err != nil {
			return nil, err
		}
		out = append(out, Mention{
			Kind:        kind,
			RecipientID: rid,
			RangeStart:  mn.RangeStart,
			RangeLength: mn.RangeLength,
		})
	}
	return out, nil
}

func insertMessageTx(tx *sql.Tx, kind MessageKind, m *MessageRecord, quoteAuthor RecipientID) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if kind == KindMedia {
		res, err = tx.Exec(`
			INSERT INTO media_messages (thread_id, recipient_id, date_sent,
				date_received, read, mailbox_type, body, expires_in,
				fence_command, gid, fid, event_id, quote_id, quote_author,
				quote_body, shared_contacts, link_previews, view_once)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ThreadID, int64(m.RecipientID), m.DateSent, m.DateReceived,
			boolToInt(m.Read), int64(m.Type), nullable(m.Body), m.ExpiresIn,
			m.FenceCommand, m.GroupID, m.Fid, m.EventID, m.QuoteID,
			int64(quoteAuthor), nullable(m.QuoteBody), nullable(m.SharedContacts),
			nullable(m.LinkPreviews), boolToInt(m.ViewOnce))
	} else {
		res, err = tx.Exec(`
			INSERT INTO simple_messages (thread_id, recipient_id, date_sent,
				date_received, read, mailbox_type, body, expires_in,
				fence_command, gid, fid, event_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ThreadID, int64(m.RecipientID), m.DateSent, m.DateReceived,
			boolToInt(m.Read), int64(m.Type), nullable(m.Body), m.ExpiresIn,
			m.FenceCommand, m.GroupID, m.Fid, m.EventID)
	}
	if err != nil {
		return 0, fmt.Errorf("insert %s message: %w", kind, err)
	}
	return res.LastInsertId()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func insertDependentsTx(tx *sql.Tx, messageID int64, kind MessageKind,
	attachments []IncomingAttachment, mentions []Mention) error {
	for _, a := range attachments {
		if _, err := tx.Exec(`
			INSERT INTO attachments (message_id, is_media, content_type, file_name, size, digest, uri)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			messageID, boolToInt(kind == KindMedia), a.ContentType, a.FileName, a.Size, a.Digest, a.URI); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	for _, mn := range mentions {
		if _, err := tx.Exec(`
			INSERT INTO mentions (message_id, is_media, recipient_id, range_start, range_length)
			VALUES (?, ?, ?, ?, ?)`,
			messageID, boolToInt(kind == KindMedia), int64(mn.RecipientID), mn.RangeStart, mn.RangeLength); err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	return nil
}

// InsertOutbound persists a locally composed message: assign the mailbox
// bitmask from its content, merge any receipts that arrived before the row
// existed, and for group recipients seed one per-member delivery-receipt
// row (excluding self) so later receipt events have a row to update.
func (db *DB) InsertOutbound(out *OutgoingMessage) (*InsertResult, error) {
	if out.Kind == KindSimple && (len(out.Attachments) > 0 || out.Quote != nil) {
		panic("store: simple message cannot carry rich content")
	}

	destination, err := db.ResolveAddress(out.Recipient)
	if err != nil {
		return nil, err
	}

	var (
		threadID int64
		members  []RecipientID
	)
	groupID := out.GroupID
	if groupID == "" && out.Recipient.IsGroup() {
		groupID = strings.TrimPrefix(string(out.Recipient), groupAddressPrefix)
	}
	if groupID != "" {
		groupRID, err := db.ResolveAddress(GroupAddress(groupID))
		if err != nil {
			return nil, err
		}
		threadID, err = db.GetOrCreateGroupThreadID(groupRID, out.Fid)
		if err != nil {
			return nil, err
		}
		destination = groupRID
		if out.Fid > 0 {
			members, err = db.GroupMembers(out.Fid, true)
			if err != nil && err != ErrNoSuchGroup {
				return nil, err
			}
		}
	} else {
		threadID, err = db.GetOrCreateThreadID(destination)
		if err != nil {
			return nil, err
		}
	}

	quoteAuthor, err := db.quoteAuthorID(out.Quote)
	if err != nil {
		return nil, err
	}
	mentions, err := db.resolveMentions(out.Kind, out.Mentions)
	if err != nil {
		return nil, err
	}

	early := db.early.take(out.DateSent)

	var messageID int64
	err = db.inTransaction(func(tx *sql.Tx) error {
		id, err := insertMessageTx(tx, out.Kind, &MessageRecord{
			ThreadID:       threadID,
			RecipientID:    destination,
			DateSent:       out.DateSent,
			DateReceived:   time.Now().UnixMilli(),
			Read:           true, // own messages never count as unread
			Type:           out.mailboxType(),
			Body:           out.Body,
			ExpiresIn:      out.ExpiresIn,
			FenceCommand:   out.FenceCommand,
			GroupID:        groupID,
			Fid:            out.Fid,
			EventID:        out.EventID,
			QuoteID:        quoteID(out.Quote),
			QuoteBody:      quoteBody(out.Quote),
			SharedContacts: out.SharedContacts,
			LinkPreviews:   out.LinkPreviews,
			ViewOnce:       out.ViewOnce,
		}, quoteAuthor)
		if err != nil {
			return err
		}
		messageID = id
		if err := insertDependentsTx(tx, id, out.Kind, out.Attachments, mentions); err != nil {
			return err
		}
		for _, member := range members {
			if _, err := tx.Exec(`
				INSERT INTO group_receipts (message_id, is_media, recipient_id, status, timestamp)
				VALUES (?, ?, ?, ?, 0)
				ON CONFLICT(message_id, is_media, recipient_id) DO NOTHING`,
				id, boolToInt(out.Kind == KindMedia), int64(member), int(StatusUndelivered)); err != nil {
				return fmt.Errorf("seed group receipt: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Replay receipts that raced ahead of this insert. A cached receipt
	// only matches this message when its reporter is the direct recipient
	// or a member of the group; anything else goes back into the cache for
	// a later message at the same timestamp.
	for rid, receipts := range early {
		if !reporterMatches(rid, destination, members) {
			for _, r := range receipts {
				db.early.put(out.DateSent, rid, r.Type, r.Timestamp)
			}
			continue
		}
		for _, r := range receipts {
			if err := db.applyReceipt(messageID, out.Kind, threadID, rid, r.Type, r.Timestamp, len(members) > 0); err != nil {
				return nil, err
			}
		}
	}

	if err := db.UpdateThread(threadID, true); err != nil {
		return nil, err
	}
	db.notifyMessage(messageID, out.Kind)
	return &InsertResult{MessageID: messageID, ThreadID: threadID, Kind: out.Kind}, nil
}

func reporterMatches(reporter, destination RecipientID, members []RecipientID) bool {
	if len(members) == 0 {
		return reporter == destination
	}
	for _, m := range members {
		if m == reporter {
			return true
		}
	}
	return false
}

// MessageByID returns the unified record, or ErrNoSuchMessage.
func (db *DB) MessageByID(id int64, kind MessageKind) (*MessageRecord, error) {
	m, err := scanMessage(kind, db.QueryRow(
		`SELECT `+messageColumns(kind)+` FROM `+kind.table()+` WHERE _id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchMessage
	}
	if err != nil {
		return nil, fmt.Errorf("message by id: %w", err)
	}
	return m, nil
}

// MessagesForThread returns the thread's messages from both stores,
// ordered by (dateReceived, dateSent) ascending.
func (db *DB) MessagesForThread(threadID int64) ([]*MessageRecord, error) {
	var all []*MessageRecord
	for _, kind := range []MessageKind{KindSimple, KindMedia} {
		rows, err := db.Query(`
			SELECT `+messageColumns(kind)+` FROM `+kind.table()+`
			WHERE thread_id = ? ORDER BY date_received ASC, date_sent ASC`, threadID)
		if err != nil {
			return nil, fmt.Errorf("messages for thread: %w", err)
		}
		for rows.Next() {
			m, err := scanMessage(kind, rows)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			all = append(all, m)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	sortMessages(all)
	return all, nil
}

func sortMessages(msgs []*MessageRecord) {
	// Merge of two already-ordered scans; insertion sort keeps it stable.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && messageBefore(msgs[j], msgs[j-1]); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

func messageBefore(a, b *MessageRecord) bool {
	if a.DateReceived != b.DateReceived {
		return a.DateReceived < b.DateReceived
	}
	return a.DateSent < b.DateSent
}

func (db *DB) setBaseType(id int64, kind MessageKind, base MailboxType) error {
	res, err := db.Exec(`
		UPDATE `+kind.table()+` SET mailbox_type = (mailbox_type & ~?) | ?
		WHERE _id = ?`, int64(baseTypeMask), int64(base), id)
	if err != nil {
		return fmt.Errorf("set base type: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchMessage
	}
	db.notifyMessage(id, kind)
	return nil
}

// MarkSending flags an outbound message as in flight.
func (db *DB) MarkSending(id int64, kind MessageKind) error {
	return db.setBaseType(id, kind, BaseSending)
}

// MarkSent records transport acceptance of an outbound message.
func (db *DB) MarkSent(id int64, kind MessageKind) error {
	return db.setBaseType(id, kind, BaseSent)
}

// MarkSentFailed records a permanent send failure.
func (db *DB) MarkSentFailed(id int64, kind MessageKind) error {
	return db.setBaseType(id, kind, BaseSentFailed)
}

// MarkForcedSMS is intentionally unimplemented: legacy SMS-only
// transitions are not relevant to this deployment, and calling this is a
// hard failure so dead code paths surface early.
func (db *DB) MarkForcedSMS(id int64, kind MessageKind) error {
	return fmt.Errorf("forced-sms transition for %s message %d: %w", kind, id, ErrUnsupportedOperation)
}

// MarkInsecureFallback is intentionally unimplemented, as MarkForcedSMS.
func (db *DB) MarkInsecureFallback(id int64, kind MessageKind) error {
	return fmt.Errorf("insecure fallback for %s message %d: %w", kind, id, ErrUnsupportedOperation)
}

func receiptColumn(t ReceiptType) string {
	switch t {
	case ReceiptRead:
		return "read_receipt_count"
	case ReceiptViewed:
		return "viewed_receipt_count"
	}
	return "delivery_receipt_count"
}

// IncrementReceiptCount applies a delivery/read/viewed acknowledgement for
// a sender-timestamp pair. Candidate rows are outbound messages at that
// timestamp whose recipient is the reporter directly, or a group the
// reporter belongs to. Each reporting recipient increments a given
// message's counter at most once; the stored first-crossed timestamp never
// increases once set. A receipt with no matching row yet is cached and
// replayed on the next matching outbound insert.
func (db *DB) IncrementReceiptCount(sync SyncMessageID, t ReceiptType, receiptTime int64) error {
	applied := false
	for _, kind := range []MessageKind{KindSimple, KindMedia} {
		rows, err := db.Query(`
			SELECT _id, thread_id, recipient_id, gid FROM `+kind.table()+`
			WHERE date_sent = ? AND (mailbox_type & ?) IN (?, ?, ?, ?)`,
			sync.Timestamp, int64(baseTypeMask),
			int64(BaseOutbox), int64(BaseSending), int64(BaseSent), int64(BaseSentFailed))
		if err != nil {
			return fmt.Errorf("receipt candidates: %w", err)
		}
		type candidate struct {
			id, threadID, rid int64
			gid               string
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.threadID, &c.rid, &c.gid); err != nil {
				_ = rows.Close()
				return err
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		for _, c := range candidates {
			isGroup := c.gid != ""
			if !isGroup && RecipientID(c.rid) != sync.RecipientID {
				continue
			}
			if err := db.applyReceipt(c.id, kind, c.threadID, sync.RecipientID, t, receiptTime, isGroup); err != nil {
				return err
			}
			// applyReceipt is a no-op for non-members and re-deliveries;
			// only count a real application.
			ok, err := db.receiptApplied(c.id, kind, sync.RecipientID, t, isGroup)
			if err != nil {
				return err
			}
			if ok {
				applied = true
			}
		}
	}

	if !applied {
		db.logger.Debug("receipt arrived before message; caching",
			zap.Int64("timestamp", sync.Timestamp),
			zap.Int64("recipient", int64(sync.RecipientID)),
			zap.Stringer("type", t))
		db.early.put(sync.Timestamp, sync.RecipientID, t, receiptTime)
	}
	return nil
}

// applyReceipt increments one message's counter for one reporting
// recipient, exactly once. For group messages the per-member receipt row
// is the idempotency gate; for direct messages the counter itself is.
func (db *DB) applyReceipt(id int64, kind MessageKind, threadID int64,
	reporter RecipientID, t ReceiptType, receiptTime int64, isGroup bool) error {
	column := receiptColumn(t)

	if isGroup {
		res, err := db.Exec(`
			UPDATE group_receipts SET status = ?, timestamp = ?
			WHERE message_id = ? AND is_media = ? AND recipient_id = ? AND status < ?`,
			int(t.status()), receiptTime, id, boolToInt(kind == KindMedia),
			int64(reporter), int(t.status()))
		if err != nil {
			return fmt.Errorf("advance group receipt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil // not a member, or already at this status
		}
	}

	q := `UPDATE ` + kind.table() + ` SET ` + column + ` = ` + column + ` + 1`
	args := []any{}
	if t != ReceiptDelivery {
		q += `, receipt_timestamp = CASE
			WHEN receipt_timestamp = 0 THEN ?
			WHEN receipt_timestamp < ? THEN receipt_timestamp
			ELSE ? END`
		args = append(args, receiptTime, receiptTime, receiptTime)
	}
	q += ` WHERE _id = ?`
	args = append(args, id)
	if !isGroup {
		// Single reporter: the counter doubles as the idempotency gate.
		q += ` AND ` + column + ` = 0`
	}
	if _, err := db.Exec(q, args...); err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}

	if err := db.UpdateThread(threadID, false); err != nil {
		return err
	}
	db.notifyMessage(id, kind)
	return nil
}

func (db *DB) receiptApplied(id int64, kind MessageKind, reporter RecipientID, t ReceiptType, isGroup bool) (bool, error) {
	if isGroup {
		var status int
		err := db.QueryRow(`
			SELECT status FROM group_receipts
			WHERE message_id = ? AND is_media = ? AND recipient_id = ?`,
			id, boolToInt(kind == KindMedia), int64(reporter)).Scan(&status)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return ReceiptStatus(status) >= t.status(), nil
	}
	var count int
	if err := db.QueryRow(`SELECT `+receiptColumn(t)+` FROM `+kind.table()+` WHERE _id = ?`, id).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkRemoteDeleted applies a "delete for everyone" event: displayable
// content is scrubbed while the row keeps its identity and timestamps, so
// position in history is preserved. Attachments, mentions and reactions
// are removed and the thread snippet recomputed.
func (db *DB) MarkRemoteDeleted(id int64, kind MessageKind) error {
	m, err := db.MessageByID(id, kind)
	if err != nil {
		return err
	}

	err = db.inTransaction(func(tx *sql.Tx) error {
		set := `body = NULL, remote_deleted = 1`
		if kind == KindMedia {
			set += `, quote_id = 0, quote_author = 0, quote_body = NULL,
				shared_contacts = NULL, link_previews = NULL, view_once = 0`
		}
		if _, err := tx.Exec(`UPDATE `+kind.table()+` SET `+set+` WHERE _id = ?`, id); err != nil {
			return fmt.Errorf("scrub message: %w", err)
		}
		// Delivery state survives: group receipt rows are only removed on
		// hard delete.
		return deleteDependentTablesTx(tx, kind, []int64{id},
			[]string{"attachments", "mentions", "reactions"})
	})
	if err != nil {
		return err
	}

	if err := db.UpdateThread(m.ThreadID, false); err != nil {
		return err
	}
	db.notifyMessage(id, kind)
	return nil
}

// DeleteMessage hard-deletes one row and its dependents; the owning thread
// is recomputed and removed if no meaningful message remains.
func (db *DB) DeleteMessage(id int64, kind MessageKind) error {
	m, err := db.MessageByID(id, kind)
	if err != nil {
		return err
	}
	err = db.inTransaction(func(tx *sql.Tx) error {
		return deleteMessagesWhereTx(tx, kind, `_id = ?`, id)
	})
	if err != nil {
		return err
	}
	if _, err := db.UpdateThreadAllowDeletion(m.ThreadID, false, true); err != nil {
		return err
	}
	db.notifyMessage(id, kind)
	return nil
}

// MarkExpireStarted stamps the beginning of a message's expiry countdown.
func (db *DB) MarkExpireStarted(id int64, kind MessageKind, startedAt int64) error {
	if _, err := db.Exec(`
		UPDATE `+kind.table()+` SET expire_started = ?
		WHERE _id = ? AND expire_started = 0`, startedAt, id); err != nil {
		return fmt.Errorf("mark expire started: %w", err)
	}
	return nil
}

// DeleteExpiredMessages removes every message whose expiry countdown has
// elapsed, recomputing affected threads.
func (db *DB) DeleteExpiredMessages(now int64) error {
	affected := make(map[int64]bool)
	err := db.inTransaction(func(tx *sql.Tx) error {
		for _, kind := range []MessageKind{KindSimple, KindMedia} {
			rows, err := tx.Query(`
				SELECT _id, thread_id FROM `+kind.table()+`
				WHERE expires_in > 0 AND expire_started > 0 AND expire_started + expires_in <= ?`, now)
			if err != nil {
				return fmt.Errorf("select expired: %w", err)
			}
			var ids []int64
			for rows.Next() {
				var id, threadID int64
				if err := rows.Scan(&id, &threadID); err != nil {
					_ = rows.Close()
					return err
				}
				ids = append(ids, id)
				affected[threadID] = true
			}
			if err := rows.Err(); err != nil {
				_ = rows.Close()
				return err
			}
			_ = rows.Close()
			for _, id := range ids {
				if err := deleteMessagesWhereTx(tx, kind, `_id = ?`, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for threadID := range affected {
		if _, err := db.UpdateThreadAllowDeletion(threadID, false, false); err != nil {
			return err
		}
	}
	return nil
}

// deleteMessagesWhereTx deletes message rows matching the predicate along
// with their dependent attachment, mention, reaction and receipt rows.
func deleteMessagesWhereTx(tx *sql.Tx, kind MessageKind, where string, args ...any) error {
	rows, err := tx.Query(`SELECT _id FROM `+kind.table()+` WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("select doomed messages: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()
	if len(ids) == 0 {
		return nil
	}

	if err := deleteDependentsTx(tx, kind, ids); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM `+kind.table()+` WHERE _id = ?`, id); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
	}
	return nil
}

func deleteDependentsTx(tx *sql.Tx, kind MessageKind, ids []int64) error {
	return deleteDependentTablesTx(tx, kind, ids,
		[]string{"attachments", "mentions", "reactions", "group_receipts"})
}

func deleteDependentTablesTx(tx *sql.Tx, kind MessageKind, ids []int64, tables []string) error {
	isMedia := boolToInt(kind == KindMedia)
	for _, id := range ids {
		for _, table := range tables {
			if _, err := tx.Exec(`DELETE FROM `+table+` WHERE message_id = ? AND is_media = ?`, id, isMedia); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
	}
	return nil
}
