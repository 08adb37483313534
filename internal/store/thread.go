package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const threadColumns = `_id, recipient_id, fid, date, message_count, snippet,
	snippet_type, snippet_uri, snippet_content_type, snippet_extra,
	unread_count, read, archived, pinned, expires_in, last_seen,
	last_scrolled, delivery_receipt_count, read_receipt_count, fence_command`

func scanThread(row interface{ Scan(...any) error }) (*ThreadRecord, error) {
	var (
		t                      ThreadRecord
		rid, snippetType       int64
		read, archived, pinned int
	)
	err := row.Scan(&t.ID, &rid, &t.Fid, &t.Date, &t.MessageCount, &t.Snippet,
		&snippetType, &t.SnippetURI, &t.SnippetContentType, &t.SnippetExtra,
		&t.UnreadCount, &read, &archived, &pinned, &t.ExpiresIn, &t.LastSeen,
		&t.LastScrolled, &t.DeliveryReceiptCount, &t.ReadReceiptCount,
		&t.FenceCommand)
	if err != nil {
		return nil, err
	}
	t.RecipientID = RecipientID(rid)
	t.SnippetType = MailboxType(snippetType)
	t.Read = ReadState(read)
	t.Archived = archived != 0
	t.Pinned = pinned
	return &t, nil
}

// ThreadIDFor returns the thread id for a recipient, or 0 when none exists.
func (db *DB) ThreadIDFor(recipientID RecipientID) (int64, error) {
	var id int64
	err := db.QueryRow(`SELECT _id FROM threads WHERE recipient_id = ?`, int64(recipientID)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("thread id for recipient: %w", err)
	}
	return id, nil
}

// GetOrCreateThreadID returns the existing thread for a recipient or
// atomically creates an empty one dated now.
func (db *DB) GetOrCreateThreadID(recipientID RecipientID) (int64, error) {
	return db.getOrCreateThreadID(recipientID, 0)
}

// GetOrCreateGroupThreadID additionally stamps the server-assigned numeric
// group id so the thread can be located by fid before the recipient graph
// is fully resolved.
func (db *DB) GetOrCreateGroupThreadID(recipientID RecipientID, fid int64) (int64, error) {
	id, err := db.getOrCreateThreadID(recipientID, fid)
	if err != nil {
		return 0, err
	}
	if fid > 0 {
		if _, err := db.Exec(`UPDATE threads SET fid = ? WHERE _id = ? AND fid = 0`, fid, id); err != nil {
			return 0, fmt.Errorf("stamp thread fid: %w", err)
		}
	}
	return id, nil
}

func (db *DB) getOrCreateThreadID(recipientID RecipientID, fid int64) (int64, error) {
	if _, err := db.Exec(`
		INSERT INTO threads (recipient_id, fid, date, expires_in)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(recipient_id) DO NOTHING`,
		int64(recipientID), fid, time.Now().UnixMilli(), db.defaultExpiry()); err != nil {
		return 0, fmt.Errorf("create thread: %w", err)
	}
	return db.ThreadIDFor(recipientID)
}

// ThreadIDByFid locates a group thread by its numeric group id; 0 if none.
func (db *DB) ThreadIDByFid(fid int64) (int64, error) {
	if fid <= 0 {
		return 0, nil
	}
	var id int64
	err := db.QueryRow(`SELECT _id FROM threads WHERE fid = ?`, fid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("thread id by fid: %w", err)
	}
	return id, nil
}

// ThreadByID returns the full thread row, or ErrNoSuchThread.
func (db *DB) ThreadByID(threadID int64) (*ThreadRecord, error) {
	t, err := scanThread(db.QueryRow(`SELECT `+threadColumns+` FROM threads WHERE _id = ?`, threadID))
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchThread
	}
	if err != nil {
		return nil, fmt.Errorf("thread by id: %w", err)
	}
	return t, nil
}

// ListThreads returns the conversation list: pinned threads first by rank,
// then by last activity descending. Archived threads are partitioned out
// unless requested.
func (db *DB) ListThreads(archived bool) ([]*ThreadRecord, error) {
	rows, err := db.Query(`
		SELECT `+threadColumns+` FROM threads
		WHERE archived = ?
		ORDER BY CASE WHEN pinned = 0 THEN 1 ELSE 0 END, pinned ASC, date DESC`,
		boolToInt(archived))
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var threads []*ThreadRecord
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// UpdateThread is the single named recompute invoked after every message
// mutation: it rebuilds the denormalized snippet, unread count and receipt
// counts from the message stores.
func (db *DB) UpdateThread(threadID int64, unarchive bool) error {
	_, err := db.UpdateThreadAllowDeletion(threadID, unarchive, false)
	return err
}

// UpdateThreadAllowDeletion recomputes the thread row; when allowDeletion
// is set and no meaningful message remains, the thread is deleted instead.
// Reports whether the thread was deleted.
func (db *DB) UpdateThreadAllowDeletion(threadID int64, unarchive, allowDeletion bool) (bool, error) {
	count, err := db.meaningfulMessageCount(threadID)
	if err != nil {
		return false, err
	}

	if count == 0 && allowDeletion {
		if err := db.DeleteConversation(threadID); err != nil {
			return false, err
		}
		return true, nil
	}

	latest, attachment, err := db.latestDisplayableMessage(threadID)
	if err != nil {
		return false, err
	}

	var (
		snippet, snippetURI, snippetContentType, extra string
		snippetType, date                              int64
		delivered, readCount                           int
	)
	if latest != nil {
		snippet = latest.Body
		snippetType = int64(latest.Type)
		date = latest.DateReceived
		delivered = latest.DeliveryReceiptCount
		readCount = latest.ReadReceiptCount
		if attachment != nil {
			snippetURI = attachment.URI
			snippetContentType = attachment.ContentType
		}
		extra, err = db.snippetExtra(threadID, latest)
		if err != nil {
			return false, err
		}
	}

	unread, err := db.unreadMeaningfulCount(threadID)
	if err != nil {
		return false, err
	}

	set := `
		UPDATE threads SET
			date = CASE WHEN ? > 0 THEN ? ELSE date END,
			message_count = ?,
			snippet = ?, snippet_type = ?, snippet_uri = ?,
			snippet_content_type = ?, snippet_extra = ?,
			unread_count = ?,
			read = CASE
				WHEN read = ? THEN read
				WHEN ? > 0 THEN ?
				ELSE ?
			END,
			delivery_receipt_count = ?, read_receipt_count = ?`
	args := []any{
		date, date, count,
		snippet, snippetType, snippetURI, snippetContentType, extra,
		unread,
		int(ThreadForcedUnread), unread, int(ThreadUnread), int(ThreadRead),
		delivered, readCount,
	}
	if unarchive {
		set += `, archived = 0`
	}
	set += ` WHERE _id = ?`
	args = append(args, threadID)

	if _, err := db.Exec(set, args...); err != nil {
		return false, fmt.Errorf("update thread: %w", err)
	}

	db.notifyThread(threadID)
	db.notifyConversationList()
	return false, nil
}

func (db *DB) meaningfulMessageCount(threadID int64) (int64, error) {
	var count int64
	err := db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM simple_messages WHERE thread_id = ? AND `+meaningfulPredicate+`) +
			(SELECT COUNT(*) FROM media_messages WHERE thread_id = ? AND `+meaningfulPredicate+`)`,
		threadID, threadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("meaningful count: %w", err)
	}
	return count, nil
}

func (db *DB) unreadMeaningfulCount(threadID int64) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM simple_messages WHERE thread_id = ? AND read = 0 AND `+meaningfulPredicate+`) +
			(SELECT COUNT(*) FROM media_messages WHERE thread_id = ? AND read = 0 AND `+meaningfulPredicate+`)`,
		threadID, threadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

// latestDisplayableMessage returns the most recent meaningful message for
// snippet purposes, plus its first attachment when it has one.
func (db *DB) latestDisplayableMessage(threadID int64) (*MessageRecord, *Attachment, error) {
	var latest *MessageRecord
	for _, kind := range []MessageKind{KindSimple, KindMedia} {
		m, err := db.scanLatest(kind, threadID)
		if err != nil {
			return nil, nil, err
		}
		if m == nil {
			continue
		}
		if latest == nil ||
			m.DateReceived > latest.DateReceived ||
			(m.DateReceived == latest.DateReceived && m.DateSent > latest.DateSent) {
			latest = m
		}
	}
	if latest == nil {
		return nil, nil, nil
	}

	var attachment *Attachment
	if latest.Kind == KindMedia {
		attachments, err := db.AttachmentsForMessage(latest.ID, latest.Kind)
		if err != nil {
			return nil, nil, err
		}
		if len(attachments) > 0 {
			attachment = &attachments[0]
		}
	}
	return latest, attachment, nil
}

func (db *DB) scanLatest(kind MessageKind, threadID int64) (*MessageRecord, error) {
	m, err := scanMessage(kind, db.QueryRow(`
		SELECT `+messageColumns(kind)+` FROM `+kind.table()+`
		WHERE thread_id = ? AND `+meaningfulPredicate+`
		ORDER BY date_received DESC, date_sent DESC LIMIT 1`, threadID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s message: %w", kind, err)
	}
	return m, nil
}

// snippetExtra derives the display-only descriptor for the snippet. It is
// recomputed on every thread update, never stored authoritatively.
func (db *DB) snippetExtra(threadID int64, m *MessageRecord) (string, error) {
	if m.RemoteDeleted {
		return "remote_deleted", nil
	}
	if m.ViewOnce {
		return "view_once", nil
	}
	if m.Kind == KindMedia {
		var attachments int
		if err := db.QueryRow(`SELECT COUNT(*) FROM attachments WHERE message_id = ? AND is_media = 1`,
			m.ID).Scan(&attachments); err != nil {
			return "", fmt.Errorf("snippet attachments: %w", err)
		}
		if attachments > 1 {
			return "album", nil
		}
	}
	if m.Type.IsGroupUpdate() {
		var fid int64
		if err := db.QueryRow(`SELECT fid FROM threads WHERE _id = ?`, threadID).Scan(&fid); err != nil {
			return "", fmt.Errorf("snippet thread fid: %w", err)
		}
		if fid > 0 {
			mode, err := db.GroupMode(fid)
			if err == nil && (mode == ModeInvitation || mode == ModeGeoInvite) {
				return "group_invite", nil
			}
		}
		return "group_update", nil
	}
	return "", nil
}

// UpdateThreadFenceCommand stores the most recent protocol command touching
// this conversation, for deriving UI affordances.
func (db *DB) UpdateThreadFenceCommand(threadID int64, raw []byte) error {
	if _, err := db.Exec(`UPDATE threads SET fence_command = ? WHERE _id = ?`, raw, threadID); err != nil {
		return fmt.Errorf("update thread fence command: %w", err)
	}
	return nil
}

// SetThreadRead marks every unread meaningful message in the thread read
// and returns one marker per actually-transitioned message for read-sync
// fan-out. Messages of the release channel are marked read locally but
// excluded from the returned markers.
func (db *DB) SetThreadRead(threadID int64) ([]MarkedMessage, error) {
	var marked []MarkedMessage
	now := time.Now().UnixMilli()

	err := db.inTransaction(func(tx *sql.Tx) error {
		for _, kind := range []MessageKind{KindSimple, KindMedia} {
			rows, err := tx.Query(`
				SELECT _id, recipient_id, date_sent, expires_in, expire_started
				FROM `+kind.table()+`
				WHERE thread_id = ? AND read = 0 AND `+meaningfulPredicate,
				threadID)
			if err != nil {
				return fmt.Errorf("select unread: %w", err)
			}
			batch, err := collectMarked(rows, threadID, kind, now)
			if err != nil {
				return err
			}
			for _, mm := range batch {
				if mm.ExpiresIn > 0 && mm.ExpireStarted == now {
					if _, err := tx.Exec(`UPDATE `+kind.table()+` SET expire_started = ? WHERE _id = ?`,
						now, mm.MessageID); err != nil {
						return fmt.Errorf("start expiry: %w", err)
					}
				}
				if !db.isReleaseChannel(mm.SyncID.RecipientID) {
					marked = append(marked, mm)
				}
			}
			if _, err := tx.Exec(`
				UPDATE `+kind.table()+` SET read = 1
				WHERE thread_id = ? AND read = 0 AND `+meaningfulPredicate,
				threadID); err != nil {
				return fmt.Errorf("mark read: %w", err)
			}
		}
		if _, err := tx.Exec(`UPDATE threads SET unread_count = 0, read = ? WHERE _id = ?`,
			int(ThreadRead), threadID); err != nil {
			return fmt.Errorf("mark thread read: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	db.notifyThread(threadID)
	db.notifyConversationList()
	return marked, nil
}

func collectMarked(rows *sql.Rows, threadID int64, kind MessageKind, now int64) ([]MarkedMessage, error) {
	defer func() { _ = rows.Close() }()
	var out []MarkedMessage
	for rows.Next() {
		var (
			mm  MarkedMessage
			rid int64
		)
		if err := rows.Scan(&mm.MessageID, &rid, &mm.SyncID.Timestamp, &mm.ExpiresIn, &mm.ExpireStarted); err != nil {
			return nil, err
		}
		mm.ThreadID = threadID
		mm.Kind = kind
		mm.SyncID.RecipientID = RecipientID(rid)
		if mm.ExpiresIn > 0 && mm.ExpireStarted == 0 {
			mm.ExpireStarted = now
		}
		out = append(out, mm)
	}
	return out, rows.Err()
}

// SetAllThreadsRead marks every thread read, returning the combined markers.
func (db *DB) SetAllThreadsRead() ([]MarkedMessage, error) {
	rows, err := db.Query(`SELECT _id FROM threads WHERE unread_count > 0 OR read != ?`, int(ThreadRead))
	if err != nil {
		return nil, fmt.Errorf("select unread threads: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var all []MarkedMessage
	for _, id := range ids {
		marked, err := db.SetThreadRead(id)
		if err != nil {
			return nil, err
		}
		all = append(all, marked...)
	}
	return all, nil
}

// SetForcedUnread flags a thread unread regardless of message state.
func (db *DB) SetForcedUnread(threadID int64) error {
	if _, err := db.Exec(`UPDATE threads SET read = ? WHERE _id = ?`,
		int(ThreadForcedUnread), threadID); err != nil {
		return fmt.Errorf("set forced unread: %w", err)
	}
	db.notifyConversationList()
	return nil
}

// SetArchived moves the thread in or out of the archive partition.
func (db *DB) SetArchived(threadID int64, archived bool) error {
	if _, err := db.Exec(`UPDATE threads SET archived = ? WHERE _id = ?`,
		boolToInt(archived), threadID); err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	db.notifyConversationList()
	return nil
}

// SetLastSeen stamps the last time the conversation was on screen.
func (db *DB) SetLastSeen(threadID int64, at int64) error {
	if _, err := db.Exec(`UPDATE threads SET last_seen = ? WHERE _id = ?`, at, threadID); err != nil {
		return fmt.Errorf("set last seen: %w", err)
	}
	return nil
}

// SetLastScrolled stamps the last scroll position timestamp.
func (db *DB) SetLastScrolled(threadID int64, at int64) error {
	if _, err := db.Exec(`UPDATE threads SET last_scrolled = ? WHERE _id = ?`, at, threadID); err != nil {
		return fmt.Errorf("set last scrolled: %w", err)
	}
	return nil
}

// SetThreadExpiresIn records the conversation's default expiration timer.
func (db *DB) SetThreadExpiresIn(threadID int64, expiresIn int64) error {
	if _, err := db.Exec(`UPDATE threads SET expires_in = ? WHERE _id = ?`, expiresIn, threadID); err != nil {
		return fmt.Errorf("set thread expires_in: %w", err)
	}
	return nil
}

// PinThreads appends the given threads to the pinned set, assigning dense
// 1-based ranks after the current maximum.
func (db *DB) PinThreads(threadIDs []int64) error {
	return db.assignPins(threadIDs, false)
}

// RestorePins replaces the pinned set wholesale (backup/sync restore). It
// shares the rank-assignment routine with PinThreads, clearing prior pins
// first.
func (db *DB) RestorePins(threadIDs []int64) error {
	return db.assignPins(threadIDs, true)
}

func (db *DB) assignPins(threadIDs []int64, clearFirst bool) error {
	err := db.inTransaction(func(tx *sql.Tx) error {
		if clearFirst {
			if _, err := tx.Exec(`UPDATE threads SET pinned = 0`); err != nil {
				return fmt.Errorf("clear pins: %w", err)
			}
		}
		var next int
		if err := tx.QueryRow(`SELECT COALESCE(MAX(pinned), 0) FROM threads`).Scan(&next); err != nil {
			return fmt.Errorf("max pin rank: %w", err)
		}
		for _, id := range threadIDs {
			var current int
			err := tx.QueryRow(`SELECT pinned FROM threads WHERE _id = ?`, id).Scan(&current)
			if err == sql.ErrNoRows {
				db.logger.Warn("data integrity: pin for missing thread", zap.Int64("thread_id", id))
				continue
			}
			if err != nil {
				return err
			}
			if current > 0 {
				continue
			}
			next++
			if _, err := tx.Exec(`UPDATE threads SET pinned = ? WHERE _id = ?`, next, id); err != nil {
				return fmt.Errorf("assign pin: %w", err)
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

// UnpinThread removes one thread from the pinned set and compacts the
// remaining ranks so they stay dense.
func (db *DB) UnpinThread(threadID int64) error {
	err := db.inTransaction(func(tx *sql.Tx) error {
		var rank int
		err := tx.QueryRow(`SELECT pinned FROM threads WHERE _id = ?`, threadID).Scan(&rank)
		if err == sql.ErrNoRows || (err == nil && rank == 0) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE threads SET pinned = 0 WHERE _id = ?`, threadID); err != nil {
			return fmt.Errorf("unpin: %w", err)
		}
		if _, err := tx.Exec(`UPDATE threads SET pinned = pinned - 1 WHERE pinned > ?`, rank); err != nil {
			return fmt.Errorf("compact pins: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.notifyConversationList()
	return nil
}

// TrimThread enforces a per-thread retention length, deleting everything
// older than the maxLength-th newest message in one transaction.
func (db *DB) TrimThread(threadID int64, maxLength int) error {
	if maxLength <= 0 {
		return nil
	}
	var cutoff int64
	err := db.QueryRow(`
		SELECT date_received FROM (
			SELECT date_received FROM simple_messages WHERE thread_id = ?
			UNION ALL
			SELECT date_received FROM media_messages WHERE thread_id = ?
		) ORDER BY date_received DESC LIMIT 1 OFFSET ?`,
		threadID, threadID, maxLength-1).Scan(&cutoff)
	if err == sql.ErrNoRows {
		return nil // fewer messages than the cap
	}
	if err != nil {
		return fmt.Errorf("trim cutoff: %w", err)
	}
	return db.TrimThreadBefore(threadID, cutoff)
}

// TrimThreadBefore deletes all messages in the thread received strictly
// before the cutoff, cascading to dependent rows, in one transaction.
func (db *DB) TrimThreadBefore(threadID, cutoff int64) error {
	err := db.inTransaction(func(tx *sql.Tx) error {
		for _, kind := range []MessageKind{KindSimple, KindMedia} {
			if err := deleteMessagesWhereTx(tx, kind,
				`thread_id = ? AND date_received < ?`, threadID, cutoff); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.logger.Info("thread trimmed", zap.Int64("thread_id", threadID), zap.Int64("cutoff", cutoff))
	return db.UpdateThread(threadID, false)
}

// TrimAllThreads applies the retention length to every thread, one
// transaction per thread so a failure leaves other threads untouched.
func (db *DB) TrimAllThreads(maxLength int) error {
	ids, err := db.allThreadIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := db.TrimThread(id, maxLength); err != nil {
			return err
		}
	}
	return nil
}

// TrimAllThreadsBefore applies a date-based retention cutoff to every
// thread, one transaction per thread.
func (db *DB) TrimAllThreadsBefore(cutoff int64) error {
	ids, err := db.allThreadIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := db.TrimThreadBefore(id, cutoff); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) allThreadIDs() ([]int64, error) {
	rows, err := db.Query(`SELECT _id FROM threads`)
	if err != nil {
		return nil, fmt.Errorf("select threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteConversation removes the thread, its messages across both stores,
// their dependent rows, and any drafts, in one outer transaction.
func (db *DB) DeleteConversation(threadID int64) error {
	err := db.inTransaction(func(tx *sql.Tx) error {
		for _, kind := range []MessageKind{KindSimple, KindMedia} {
			if err := deleteMessagesWhereTx(tx, kind, `thread_id = ?`, threadID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`DELETE FROM drafts WHERE thread_id = ?`, threadID); err != nil {
			return fmt.Errorf("delete drafts: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM threads WHERE _id = ?`, threadID); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.notifyConversationList()
	return nil
}
