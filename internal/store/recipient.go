package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// The resolver maps stable serialized addresses to internal recipient ids.
// It owns no state beyond the recipients table and a memoization cache;
// every other component calls it before persisting or after reading.

// ResolveAddress returns the recipient id for an address, creating a row on
// first sight. Results are memoized in both directions.
func (db *DB) ResolveAddress(addr Address) (RecipientID, error) {
	if addr == "" {
		return 0, fmt.Errorf("resolve address: empty address")
	}

	db.mu.RLock()
	id, ok := db.idByAddr[addr]
	db.mu.RUnlock()
	if ok {
		return id, nil
	}

	if _, err := db.Exec(`INSERT INTO recipients (address) VALUES (?) ON CONFLICT(address) DO NOTHING`, string(addr)); err != nil {
		return 0, fmt.Errorf("insert recipient: %w", err)
	}
	var raw int64
	if err := db.QueryRow(`SELECT _id FROM recipients WHERE address = ?`, string(addr)).Scan(&raw); err != nil {
		return 0, fmt.Errorf("select recipient: %w", err)
	}

	id = RecipientID(raw)
	db.mu.Lock()
	db.idByAddr[addr] = id
	db.addrByID[id] = addr
	db.mu.Unlock()
	return id, nil
}

// AddressFor returns the address for a recipient id.
func (db *DB) AddressFor(id RecipientID) (Address, error) {
	db.mu.RLock()
	addr, ok := db.addrByID[id]
	db.mu.RUnlock()
	if ok {
		return addr, nil
	}

	var raw string
	err := db.QueryRow(`SELECT address FROM recipients WHERE _id = ?`, int64(id)).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", ErrNoSuchRecipient
	}
	if err != nil {
		return "", fmt.Errorf("select recipient address: %w", err)
	}

	addr = Address(raw)
	db.mu.Lock()
	db.idByAddr[addr] = id
	db.addrByID[id] = addr
	db.mu.Unlock()
	return addr, nil
}

// Remap rewrites every stored reference from a superseded recipient id to
// the surviving one, after two recipient rows are discovered to denote the
// same remote identity. Message rows, receipt rows, mentions, reactions,
// group membership lists and the thread index are all rewritten in one
// transaction; when both ids own a thread the superseded thread is merged
// into the surviving one. Caches are invalidated on success.
func (db *DB) Remap(old, surviving RecipientID) error {
	if old == surviving {
		return nil
	}
	oldAddr, err := db.AddressFor(old)
	if err != nil {
		return fmt.Errorf("remap: %w", err)
	}
	survivingAddr, err := db.AddressFor(surviving)
	if err != nil {
		return fmt.Errorf("remap: %w", err)
	}

	var survivingThread int64
	err = db.inTransaction(func(tx *sql.Tx) error {
		for _, table := range []string{"simple_messages", "media_messages"} {
			if _, err := tx.Exec(
				`UPDATE OR IGNORE `+table+` SET recipient_id = ? WHERE recipient_id = ?`,
				int64(surviving), int64(old)); err != nil {
				return fmt.Errorf("remap %s: %w", table, err)
			}
			// A row that collides on the dedupe triple is the same
			// message seen under both identities; drop the duplicate.
			if _, err := tx.Exec(
				`DELETE FROM `+table+` WHERE recipient_id = ?`, int64(old)); err != nil {
				return fmt.Errorf("remap %s dedupe: %w", table, err)
			}
		}
		if _, err := tx.Exec(
			`UPDATE media_messages SET quote_author = ? WHERE quote_author = ?`,
			int64(surviving), int64(old)); err != nil {
			return fmt.Errorf("remap quote authors: %w", err)
		}

		if _, err := tx.Exec(
			`UPDATE OR IGNORE group_receipts SET recipient_id = ? WHERE recipient_id = ?`,
			int64(surviving), int64(old)); err != nil {
			return fmt.Errorf("remap group receipts: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM group_receipts WHERE recipient_id = ?`, int64(old)); err != nil {
			return fmt.Errorf("remap group receipts cleanup: %w", err)
		}

		if _, err := tx.Exec(
			`UPDATE mentions SET recipient_id = ? WHERE recipient_id = ?`,
			int64(surviving), int64(old)); err != nil {
			return fmt.Errorf("remap mentions: %w", err)
		}
		if _, err := tx.Exec(
			`UPDATE OR IGNORE reactions SET author_id = ? WHERE author_id = ?`,
			int64(surviving), int64(old)); err != nil {
			return fmt.Errorf("remap reactions: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM reactions WHERE author_id = ?`, int64(old)); err != nil {
			return fmt.Errorf("remap reactions cleanup: %w", err)
		}

		if err := remapMembershipListsTx(tx, oldAddr, survivingAddr); err != nil {
			return err
		}
		if err := mergeThreadsTx(tx, old, surviving, &survivingThread); err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM recipients WHERE _id = ?`, int64(old)); err != nil {
			return fmt.Errorf("delete superseded recipient: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.mu.Lock()
	delete(db.addrByID, old)
	delete(db.idByAddr, oldAddr)
	db.mu.Unlock()

	db.logger.Info("recipient remapped",
		zap.Int64("old", int64(old)), zap.Int64("surviving", int64(surviving)))

	if survivingThread != 0 {
		if err := db.UpdateThread(survivingThread, false); err != nil {
			return err
		}
	}
	db.notifyConversationList()
	return nil
}

// remapMembershipListsTx replaces oldAddr with newAddr in every group
// membership list that contains it, preserving canonical sorted form.
func remapMembershipListsTx(tx *sql.Tx, oldAddr, newAddr Address) error {
	rows, err := tx.Query(`
		SELECT _id, members, invited_members, requesting_members, blocked_members
		FROM groups
		WHERE members LIKE '%' || ? || '%'
		   OR invited_members LIKE '%' || ? || '%'
		   OR requesting_members LIKE '%' || ? || '%'
		   OR blocked_members LIKE '%' || ? || '%'`,
		string(oldAddr), string(oldAddr), string(oldAddr), string(oldAddr))
	if err != nil {
		return fmt.Errorf("scan membership lists: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type listUpdate struct {
		id    int64
		lists [4]string
	}
	var updates []listUpdate
	for rows.Next() {
		var u listUpdate
		if err := rows.Scan(&u.id, &u.lists[0], &u.lists[1], &u.lists[2], &u.lists[3]); err != nil {
			return err
		}
		changed := false
		for i, serialized := range u.lists {
			members := parseAddressList(serialized)
			replaced := members[:0]
			hit := false
			for _, m := range members {
				if m == oldAddr {
					hit = true
					m = newAddr
				}
				replaced = append(replaced, m)
			}
			if hit {
				u.lists[i] = serializeAddressList(dedupeAddresses(replaced))
				changed = true
			}
		}
		if changed {
			updates = append(updates, u)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := tx.Exec(`
			UPDATE groups
			SET members = ?, invited_members = ?, requesting_members = ?, blocked_members = ?
			WHERE _id = ?`,
			u.lists[0], u.lists[1], u.lists[2], u.lists[3], u.id); err != nil {
			return fmt.Errorf("rewrite membership lists: %w", err)
		}
	}
	return nil
}

func dedupeAddresses(addrs []Address) []Address {
	seen := make(map[Address]bool, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// mergeThreadsTx reassigns the superseded recipient's thread to the
// surviving recipient, merging message rows when both threads exist.
func mergeThreadsTx(tx *sql.Tx, old, surviving RecipientID, survivingThread *int64) error {
	var oldThread, newThread sql.NullInt64
	if err := tx.QueryRow(`SELECT _id FROM threads WHERE recipient_id = ?`, int64(old)).Scan(&oldThread.Int64); err != nil && err != sql.ErrNoRows {
		return err
	} else if err == nil {
		oldThread.Valid = true
	}
	if err := tx.QueryRow(`SELECT _id FROM threads WHERE recipient_id = ?`, int64(surviving)).Scan(&newThread.Int64); err != nil && err != sql.ErrNoRows {
		return err
	} else if err == nil {
		newThread.Valid = true
	}

	switch {
	case !oldThread.Valid:
		if newThread.Valid {
			*survivingThread = newThread.Int64
		}
		return nil
	case !newThread.Valid:
		if _, err := tx.Exec(`UPDATE threads SET recipient_id = ? WHERE _id = ?`, int64(surviving), oldThread.Int64); err != nil {
			return fmt.Errorf("reassign thread: %w", err)
		}
		*survivingThread = oldThread.Int64
		return nil
	}

	for _, table := range []string{"simple_messages", "media_messages", "drafts"} {
		if _, err := tx.Exec(`UPDATE OR IGNORE `+table+` SET thread_id = ? WHERE thread_id = ?`,
			newThread.Int64, oldThread.Int64); err != nil {
			return fmt.Errorf("merge %s: %w", table, err)
		}
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE thread_id = ?`, oldThread.Int64); err != nil {
			return fmt.Errorf("merge %s cleanup: %w", table, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM threads WHERE _id = ?`, oldThread.Int64); err != nil {
		return fmt.Errorf("delete superseded thread: %w", err)
	}
	*survivingThread = newThread.Int64
	return nil
}
