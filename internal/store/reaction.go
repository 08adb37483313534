package store

import (
	"fmt"
)

// AddReaction records an emoji reaction to a message. One author keeps at
// most one reaction per message; re-reacting replaces the previous emoji.
func (db *DB) AddReaction(messageID int64, kind MessageKind, author Address, emoji string, dateSent int64) error {
	authorID, err := db.ResolveAddress(author)
	if err != nil {
		return err
	}
	if _, err := db.Exec(`
		INSERT INTO reactions (message_id, is_media, author_id, emoji, date_sent)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, is_media, author_id)
		DO UPDATE SET emoji = excluded.emoji, date_sent = excluded.date_sent`,
		messageID, boolToInt(kind == KindMedia), int64(authorID), emoji, dateSent); err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	db.notifyMessage(messageID, kind)
	return nil
}

// RemoveReaction withdraws an author's reaction, if any.
func (db *DB) RemoveReaction(messageID int64, kind MessageKind, author Address) error {
	authorID, err := db.ResolveAddress(author)
	if err != nil {
		return err
	}
	if _, err := db.Exec(`
		DELETE FROM reactions WHERE message_id = ? AND is_media = ? AND author_id = ?`,
		messageID, boolToInt(kind == KindMedia), int64(authorID)); err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	db.notifyMessage(messageID, kind)
	return nil
}

// ReactionsForMessage returns a message's reactions, oldest first.
func (db *DB) ReactionsForMessage(messageID int64, kind MessageKind) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT _id, message_id, author_id, emoji, date_sent FROM reactions
		WHERE message_id = ? AND is_media = ?
		ORDER BY date_sent ASC`,
		messageID, boolToInt(kind == KindMedia))
	if err != nil {
		return nil, fmt.Errorf("reactions for message: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reactions []Reaction
	for rows.Next() {
		var (
			r        Reaction
			authorID int64
		)
		if err := rows.Scan(&r.ID, &r.MessageID, &authorID, &r.Emoji, &r.DateSent); err != nil {
			return nil, err
		}
		r.Kind = kind
		r.AuthorID = RecipientID(authorID)
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}
