package store

import (
	"fmt"
	"sync"
	"time"
)

const defaultEarlyReceiptTTL = time.Hour

type earlyReceipt struct {
	Type      ReceiptType
	Timestamp int64
}

// earlyReceipts buffers acknowledgements that arrive before the message
// row they target exists, keyed by sender timestamp. Entries expire after
// a TTL; expired entries are swept lazily on access, so the cache needs no
// background goroutine.
type earlyReceipts struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int64]map[RecipientID][]earlyReceipt
	seen    map[int64]time.Time
}

func newEarlyReceipts(ttl time.Duration) *earlyReceipts {
	return &earlyReceipts{
		ttl:     ttl,
		entries: make(map[int64]map[RecipientID][]earlyReceipt),
		seen:    make(map[int64]time.Time),
	}
}

func (c *earlyReceipts) setTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *earlyReceipts) put(timestamp int64, reporter RecipientID, t ReceiptType, receiptTime int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	byReporter, ok := c.entries[timestamp]
	if !ok {
		byReporter = make(map[RecipientID][]earlyReceipt)
		c.entries[timestamp] = byReporter
	}
	byReporter[reporter] = append(byReporter[reporter], earlyReceipt{Type: t, Timestamp: receiptTime})
	c.seen[timestamp] = time.Now()
}

// take removes and returns every buffered receipt for a timestamp.
func (c *earlyReceipts) take(timestamp int64) map[RecipientID][]earlyReceipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	byReporter := c.entries[timestamp]
	delete(c.entries, timestamp)
	delete(c.seen, timestamp)
	return byReporter
}

func (c *earlyReceipts) sweepLocked() {
	cutoff := time.Now().Add(-c.ttl)
	for ts, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.entries, ts)
			delete(c.seen, ts)
		}
	}
}

// GroupReceipts returns the per-member receipt rows for a group message.
func (db *DB) GroupReceipts(messageID int64, kind MessageKind) ([]GroupReceipt, error) {
	rows, err := db.Query(`
		SELECT message_id, recipient_id, status, timestamp FROM group_receipts
		WHERE message_id = ? AND is_media = ?
		ORDER BY recipient_id ASC`,
		messageID, boolToInt(kind == KindMedia))
	if err != nil {
		return nil, fmt.Errorf("group receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var receipts []GroupReceipt
	for rows.Next() {
		var (
			r      GroupReceipt
			rid    int64
			status int
		)
		if err := rows.Scan(&r.MessageID, &rid, &status, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Kind = kind
		r.RecipientID = RecipientID(rid)
		r.Status = ReceiptStatus(status)
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}
