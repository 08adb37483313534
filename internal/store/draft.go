package store

import (
	"database/sql"
	"fmt"
)

// SaveDrafts replaces a thread's draft fragments with the given set.
func (db *DB) SaveDrafts(threadID int64, drafts []Draft) error {
	err := db.inTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM drafts WHERE thread_id = ?`, threadID); err != nil {
			return fmt.Errorf("clear drafts: %w", err)
		}
		for _, d := range drafts {
			if _, err := tx.Exec(`
				INSERT INTO drafts (thread_id, type, value) VALUES (?, ?, ?)`,
				threadID, d.Type, d.Value); err != nil {
				return fmt.Errorf("insert draft: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.notifyThread(threadID)
	return nil
}

// DraftsForThread returns the thread's draft fragments.
func (db *DB) DraftsForThread(threadID int64) ([]Draft, error) {
	rows, err := db.Query(`SELECT thread_id, type, value FROM drafts WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, fmt.Errorf("drafts for thread: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var drafts []Draft
	for rows.Next() {
		var d Draft
		if err := rows.Scan(&d.ThreadID, &d.Type, &d.Value); err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// ClearDrafts removes all draft fragments for a thread.
func (db *DB) ClearDrafts(threadID int64) error {
	if _, err := db.Exec(`DELETE FROM drafts WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear drafts: %w", err)
	}
	db.notifyThread(threadID)
	return nil
}
