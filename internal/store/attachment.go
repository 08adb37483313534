package store

import (
	"database/sql"
	"fmt"
)

// AttachmentsForMessage returns the attachment rows of a message in
// insertion order.
func (db *DB) AttachmentsForMessage(messageID int64, kind MessageKind) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT _id, message_id, content_type, file_name, size, digest, uri
		FROM attachments
		WHERE message_id = ? AND is_media = ?
		ORDER BY _id ASC`,
		messageID, boolToInt(kind == KindMedia))
	if err != nil {
		return nil, fmt.Errorf("attachments for message: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attachments []Attachment
	for rows.Next() {
		var (
			a        Attachment
			fileName sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ContentType, &fileName, &a.Size, &a.Digest, &a.URI); err != nil {
			return nil, err
		}
		a.Kind = kind
		a.FileName = fileName.String
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// SetAttachmentURI records where an attachment's content was stored after a
// fetch completes.
func (db *DB) SetAttachmentURI(attachmentID int64, uri string) error {
	res, err := db.Exec(`UPDATE attachments SET uri = ? WHERE _id = ?`, uri, attachmentID)
	if err != nil {
		return fmt.Errorf("set attachment uri: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSuchAttachment
	}
	db.notifyAttachment(attachmentID)
	return nil
}

// MentionsForMessage returns the mention rows of a message.
func (db *DB) MentionsForMessage(messageID int64, kind MessageKind) ([]Mention, error) {
	rows, err := db.Query(`
		SELECT _id, message_id, recipient_id, range_start, range_length
		FROM mentions
		WHERE message_id = ? AND is_media = ?
		ORDER BY range_start ASC`,
		messageID, boolToInt(kind == KindMedia))
	if err != nil {
		return nil, fmt.Errorf("mentions for message: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var mentions []Mention
	for rows.Next() {
		var (
			m   Mention
			rid int64
		)
		if err := rows.Scan(&m.ID, &m.MessageID, &rid, &m.RangeStart, &m.RangeLength); err != nil {
			return nil, err
		}
		m.Kind = kind
		m.RecipientID = RecipientID(rid)
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}
